package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func validEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":  "postgres://localhost/switchboard",
		"BUS_URL":       "redis://localhost:6379/0",
		"CLIENT_URL":    "https://app.example.com/",
		"COOKIE_SECRET": "cookie-secret",
		"JWT_SECRET":    "jwt-secret",
		"ADMIN_TOKEN":   "ops-token",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envOf(validEnv()))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.False(t, cfg.Development())
	assert.Equal(t, "https://app.example.com", cfg.ClientURL)
	assert.Equal(t, "redis", cfg.BusScheme())
	assert.Equal(t, cfg.BusURL, cfg.QueueURL, "queue falls back to the redis bus")
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.NotEmpty(t, cfg.ProcessID)
	assert.Equal(t, [][]byte{[]byte("cookie-secret")}, cfg.CookieKeys)
	assert.Equal(t, [][]byte{[]byte("jwt-secret")}, cfg.ClaimKeys)
}

func TestLoad_RotationKeysMostRecentFirst(t *testing.T) {
	env := validEnv()
	env["JWT_SECRET_PREVIOUS"] = "old-jwt"
	env["COOKIE_SECRET_PREVIOUS"] = "old-cookie"

	cfg, err := Load(envOf(env))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("jwt-secret"), []byte("old-jwt")}, cfg.ClaimKeys)
	assert.Equal(t, [][]byte{[]byte("cookie-secret"), []byte("old-cookie")}, cfg.CookieKeys)
}

func TestLoad_MissingRequired(t *testing.T) {
	_, err := Load(envOf(map[string]string{}))
	require.Error(t, err)
	for _, name := range []string{"DATABASE_URL", "BUS_URL", "CLIENT_URL", "COOKIE_SECRET", "JWT_SECRET"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]func(map[string]string){
		"same secrets":     func(e map[string]string) { e["JWT_SECRET"] = e["COOKIE_SECRET"] },
		"bad env":          func(e map[string]string) { e["APP_ENV"] = "staging" },
		"relative client":  func(e map[string]string) { e["CLIENT_URL"] = "app.example.com" },
		"bad bus scheme":   func(e map[string]string) { e["BUS_URL"] = "nats://localhost" },
		"kafka no queue":   func(e map[string]string) { e["BUS_URL"] = "kafka://localhost:9092" },
		"negative workers": func(e map[string]string) { e["WORKER_CONCURRENCY"] = "-1" },
		"prod no admin":    func(e map[string]string) { delete(e, "ADMIN_TOKEN") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := validEnv()
			mutate(env)
			_, err := Load(envOf(env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MemoryBusKeepsJobsInProcess(t *testing.T) {
	env := validEnv()
	env["BUS_URL"] = "memory://"
	env["DATABASE_URL"] = "memory://"

	cfg, err := Load(envOf(env))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.BusScheme())
	assert.Equal(t, "memory://", cfg.QueueURL)
}

func TestLoad_KafkaBusWithQueue(t *testing.T) {
	env := validEnv()
	env["BUS_URL"] = "kafka://localhost:9092"
	env["QUEUE_URL"] = "redis://localhost:6379/1"
	env["APP_ENV"] = "development"

	cfg, err := Load(envOf(env))
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.BusScheme())
	assert.True(t, cfg.Development())
}
