package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"switchboard/internal/auth/models"
	"switchboard/internal/jobs"
	"switchboard/internal/queue"
	dErrors "switchboard/pkg/domain-errors"
	"switchboard/pkg/platform/sentinel"
)

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// Enqueuer hands deferred work to the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Publisher sends realtime events.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload json.RawMessage) error
}

// Recorder counts account activity.
type Recorder interface {
	IncrementUsersCreated()
	IncrementSessionsIssued()
}

// Palette is the set of colors a new user can be tagged with.
var Palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#14b8a6", "#0ea5e9", "#6366f1", "#a855f7", "#ec4899",
}

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// errBadCredentials is the only error sign-in reports for a wrong email or
// password, so callers cannot tell which one was wrong.
var errBadCredentials = dErrors.New(dErrors.CodeUnauthorized, "invalid email or password")

// Service owns sign-up and sign-in. It does not touch HTTP or cookies.
type Service struct {
	users      UserStore
	jobs       Enqueuer
	events     Publisher
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time
	pickColor  func() string
	bcryptCost int
	dummyHash  []byte
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder attaches metrics.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost sets the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// WithColorPicker overrides the random color choice.
func WithColorPicker(pick func() string) Option {
	return func(s *Service) { s.pickColor = pick }
}

func New(users UserStore, jobQueue Enqueuer, events Publisher, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		users:      users,
		jobs:       jobQueue,
		events:     events,
		logger:     logger.With("component", "auth_service"),
		now:        time.Now,
		pickColor:  func() string { return Palette[rand.IntN(len(Palette))] },
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Sign-in hashes against this when the email is unknown so both paths
	// cost the same.
	dummy, err := bcrypt.GenerateFromPassword([]byte("switchboard-unknown-user"), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare password hashing: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Signup creates an account, queues its welcome job and announces it in
// the lobby. Queueing and announcing are best effort once the account
// exists.
func (s *Service) Signup(ctx context.Context, req models.SignupRequest) (*models.User, error) {
	handle := strings.TrimSpace(req.Handle)
	email := strings.TrimSpace(req.Email)
	if !handlePattern.MatchString(handle) {
		return nil, dErrors.New(dErrors.CodeValidation, "handle must be 3-32 letters, digits, '_' or '-'")
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.New(),
		Handle:       handle,
		Email:        strings.ToLower(email),
		PasswordHash: string(hash),
		Color:        s.pickColor(),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "handle or email already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}
	if s.recorder != nil {
		s.recorder.IncrementUsersCreated()
	}
	s.logger.InfoContext(ctx, "user signed up", "user_id", user.ID, "handle", user.Handle)

	welcome := jobs.WelcomePayload{UserID: user.ID.String(), Handle: user.Handle, Email: user.Email}
	if _, err := s.jobs.Enqueue(ctx, jobs.UserWelcome, welcome); err != nil {
		s.logger.ErrorContext(ctx, "enqueue welcome job", "user_id", user.ID, "error", err)
	}

	joined, err := json.Marshal(map[string]string{"id": user.ID.String(), "handle": user.Handle, "color": user.Color})
	if err == nil {
		err = s.events.Publish(ctx, jobs.LobbyTopic, "user.joined", joined)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "announce new user", "user_id", user.ID, "error", err)
	}

	if s.recorder != nil {
		s.recorder.IncrementSessionsIssued()
	}
	return user, nil
}

// Signin checks credentials and queues a presence announcement.
func (s *Service) Signin(ctx context.Context, req models.SigninRequest) (*models.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "email and password are required")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
		return nil, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errBadCredentials
	}

	presence := jobs.PresencePayload{SubjectID: user.ID.String(), Handle: user.Handle, Color: user.Color, Status: "online"}
	if _, err := s.jobs.Enqueue(ctx, jobs.PresenceAnnounce, presence); err != nil {
		s.logger.WarnContext(ctx, "enqueue presence job", "user_id", user.ID, "error", err)
	}
	if s.recorder != nil {
		s.recorder.IncrementSessionsIssued()
	}
	return user, nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return dErrors.New(dErrors.CodeValidation, "email is invalid")
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case len(password) < minPasswordLength:
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	case len(password) > maxPasswordLength:
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("password must be at most %d bytes", maxPasswordLength))
	}
	return nil
}
