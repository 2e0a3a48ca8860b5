package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizeTopic(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		subject string
		wantErr bool
	}{
		{"public topic, anonymous", "lobby", "", false},
		{"public topic, signed in", "room:42", "user-1", false},
		{"own user topic", "user:user-1", "user-1", false},
		{"other user topic", "user:user-2", "user-1", true},
		{"user topic, anonymous", "user:user-1", "", true},
		{"bare prefix, anonymous", "user:", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := AuthorizeTopic(tc.topic, tc.subject)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrTopicForbidden)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestUserTopic(t *testing.T) {
	assert.Equal(t, "user:abc", UserTopic("abc"))
}
