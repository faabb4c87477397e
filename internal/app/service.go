package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"agenda/api/internal/auth"
	"agenda/api/internal/authpw"
	"agenda/api/internal/config"
	"agenda/api/internal/rbac"
	"agenda/api/internal/search"
	"agenda/api/internal/session"
	"agenda/api/internal/store"
	"agenda/api/internal/util"
)

// Session is the caller's identity as re-derived from the presented token on
// every request. The zero value is the anonymous caller.
type Session struct {
	Token     string
	Username  string
	Role      rbac.Role
	JTI       string
	ExpiresAt time.Time
}

func (s Session) Authenticated() bool {
	return s.Username != ""
}

func (s Session) IsAdmin() bool {
	return s.Authenticated() && s.Role == rbac.RoleAdmin
}

type EventInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

type UserView struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type IndexedEvent struct {
	Index int `json:"index"`
	store.Event
}

type Overview struct {
	Users  []UserView     `json:"users"`
	Events []IndexedEvent `json:"events"`
}

type Service struct {
	cfg      config.Config
	repo     store.Repository
	sessions session.Store
	users    *authpw.Service
	search   *search.Service
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the agenda service. sessions defaults to an in-memory store and
// searchService to a store scan when nil.
func New(cfg config.Config, repo store.Repository, sessions session.Store, searchService *search.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	if searchService == nil {
		searchService = search.NewService(nil, search.NewScanner(repo), logger)
	}
	return &Service{
		cfg:      cfg,
		repo:     repo,
		sessions: sessions,
		users:    authpw.NewService(repo),
		search:   searchService,
		logger:   logger,
		now:      time.Now,
	}
}

// Bootstrap seeds the configured admin, persists ids generated for legacy
// events and pushes every event to the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	created, err := s.users.EnsureAdmin(ctx, s.cfg.AdminUsername, s.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if created {
		s.logger.Info("admin account seeded", "username", s.cfg.AdminUsername)
	}

	var events []store.Event
	if err := s.repo.Update(ctx, func(doc *store.Document) error {
		events = slices.Clone(doc.Events)
		return nil
	}); err != nil {
		return fmt.Errorf("persist document: %w", err)
	}

	records := make([]search.EventRecord, 0, len(events))
	for _, event := range events {
		records = append(records, search.RecordFromEvent(event))
	}
	s.search.ReindexAll(records)
	return nil
}

func (s *Service) sessionTTL() time.Duration {
	if s.cfg.SessionTTL <= 0 {
		return 24 * time.Hour
	}
	return s.cfg.SessionTTL
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.users.SignIn(ctx, username, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			s.logger.Info("login failed", "username", username)
			return Session{}, errAuthenticationFailed()
		}
		return Session{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.sessionTTL())
	jti := util.NewID("jti")
	role := rbac.Normalize(user.Role)

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:  user.Username,
		Role: string(role),
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	record := session.Record{Username: user.Username, Role: string(role), CreatedAt: now.UTC()}
	if err := s.sessions.Save(ctx, auth.HashToken(jti), record, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("login succeeded", "username", user.Username, "role", role)

	return Session{
		Token:     token,
		Username:  user.Username,
		Role:      role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken verifies the signature and expiry, then requires the
// server-side record. The role always comes from the record.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	record, err := s.sessions.Lookup(ctx, auth.HashToken(claims.JTI))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if record.Username != claims.Sub {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		Username:  record.Username,
		Role:      rbac.Normalize(record.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the server-side record behind token. Unknown, tampered or
// expired tokens are ignored; they already grant nothing.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, auth.HashToken(claims.JTI)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.logger.Info("logout", "username", claims.Sub)
	return nil
}

// Authorize is the gate in front of every route. An absent identity fails
// authenticated routes with UNAUTHENTICATED; admin routes always answer
// FORBIDDEN.
func (s *Service) Authorize(sess Session, capability rbac.Capability) error {
	switch capability {
	case rbac.CapabilityNone:
		return nil
	case rbac.CapabilityAuthenticated:
		if !sess.Authenticated() || !rbac.Can(sess.Role, capability) {
			return errUnauthenticated()
		}
		return nil
	case rbac.CapabilityAdmin:
		if !sess.Authenticated() || !rbac.Can(sess.Role, capability) {
			return errForbidden()
		}
		return nil
	default:
		return errForbidden()
	}
}

func (s *Service) ListEvents(ctx context.Context, identity string) ([]store.Event, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.EventsOwnedBy(identity), nil
}

func (s *Service) AddEvent(ctx context.Context, identity string, input EventInput) (store.Event, error) {
	if identity == "" {
		return store.Event{}, errUnauthenticated()
	}
	return s.appendEvent(ctx, input, identity)
}

// AdminAddEvent does not check that owner names an existing user.
func (s *Service) AdminAddEvent(ctx context.Context, input EventInput, owner string) (store.Event, error) {
	if strings.TrimSpace(owner) == "" {
		return store.Event{}, errValidation("user", "Target user is required")
	}
	return s.appendEvent(ctx, input, owner)
}

func (s *Service) appendEvent(ctx context.Context, input EventInput, owner string) (store.Event, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Event{}, errValidation("title", "Title is required")
	}
	event := store.Event{
		ID:          util.NewID("evt"),
		Title:       input.Title,
		Description: input.Description,
		Date:        input.Date,
		Owner:       owner,
	}
	if err := s.repo.Update(ctx, func(doc *store.Document) error {
		doc.Events = append(doc.Events, event)
		return nil
	}); err != nil {
		return store.Event{}, err
	}
	s.logger.Info("event added", "event_id", event.ID, "owner", owner)
	s.search.IndexEvent(search.RecordFromEvent(event))
	return event, nil
}

// AdminRemoveEvent removes the event at a zero-based position in the full
// event list. The bounds check runs inside the update.
func (s *Service) AdminRemoveEvent(ctx context.Context, index int) (store.Event, error) {
	var removed store.Event
	err := s.repo.Update(ctx, func(doc *store.Document) error {
		if index < 0 || index >= len(doc.Events) {
			return errInvalidIndex(index)
		}
		removed = doc.Events[index]
		doc.Events = slices.Delete(doc.Events, index, index+1)
		return nil
	})
	if err != nil {
		return store.Event{}, err
	}
	s.logger.Info("event removed", "event_id", removed.ID, "index", index)
	s.search.DeleteEvent(removed.ID)
	return removed, nil
}

func (s *Service) AdminRemoveEventByID(ctx context.Context, id string) (store.Event, error) {
	var removed store.Event
	err := s.repo.Update(ctx, func(doc *store.Document) error {
		index := doc.EventIndex(id)
		if index < 0 {
			return errEventNotFound(id)
		}
		removed = doc.Events[index]
		doc.Events = slices.Delete(doc.Events, index, index+1)
		return nil
	})
	if err != nil {
		return store.Event{}, err
	}
	s.logger.Info("event removed", "event_id", removed.ID)
	s.search.DeleteEvent(removed.ID)
	return removed, nil
}

func (s *Service) Register(ctx context.Context, username, password string) (UserView, error) {
	user, err := s.users.Register(ctx, username, password)
	switch {
	case errors.Is(err, authpw.ErrMissingCredentials):
		return UserView{}, errValidation("username", "Username and password are required")
	case errors.Is(err, authpw.ErrDuplicateUser):
		return UserView{}, errDuplicateUser(username)
	case err != nil:
		return UserView{}, err
	}
	s.logger.Info("user registered", "username", user.Username)
	return UserView{Username: user.Username, Role: user.Role}, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return userViews(doc.Users), nil
}

func (s *Service) AdminOverview(ctx context.Context) (Overview, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return Overview{}, err
	}
	events := make([]IndexedEvent, 0, len(doc.Events))
	for i, event := range doc.Events {
		events = append(events, IndexedEvent{Index: i, Event: event})
	}
	return Overview{Users: userViews(doc.Users), Events: events}, nil
}

// SearchEvents scopes regular users to their own events; admins search all.
func (s *Service) SearchEvents(ctx context.Context, sess Session, text string, limit int) (search.Response, error) {
	if !sess.Authenticated() {
		return search.Response{}, errUnauthenticated()
	}
	query := search.Query{Text: strings.TrimSpace(text), Limit: limit}
	if !sess.IsAdmin() {
		query.Owner = sess.Username
	}
	return s.search.Search(ctx, query)
}

func (s *Service) PingStore(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func userViews(users []store.User) []UserView {
	views := make([]UserView, 0, len(users))
	for _, user := range users {
		views = append(views, UserView{Username: user.Username, Role: string(rbac.Normalize(user.Role))})
	}
	return views
}
