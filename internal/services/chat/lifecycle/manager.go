// Package lifecycle drives a chat through its phases and writes the system
// messages each transition requires.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsupport/supportchat/internal/platform/clock"
	apperrors "github.com/tsupport/supportchat/internal/platform/errors"
	"github.com/tsupport/supportchat/internal/platform/id"
	"github.com/tsupport/supportchat/internal/services/chat/access"
	"github.com/tsupport/supportchat/internal/services/chat/attachments"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
	"github.com/tsupport/supportchat/internal/services/chat/render"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
	"github.com/tsupport/supportchat/internal/services/notifications"
)

const tracerName = "github.com/tsupport/supportchat/internal/services/chat/lifecycle"

// Store is the Session Store surface the manager writes through.
type Store interface {
	storage.ChatStore
	storage.MessageStore
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
}

// Gate validates customer identifiers before a chat is created.
type Gate interface {
	Validate(ctx context.Context, customerID string) (string, error)
}

// Notifier fans a message out to the opposite party.
type Notifier interface {
	Dispatch(ctx context.Context, audience notifications.Audience, text string) (notifications.Result, error)
}

// Uploader stores attachment bytes.
type Uploader interface {
	Upload(ctx context.Context, chatID, name, contentType string, data []byte) (domain.Attachment, error)
}

// Manager runs chat lifecycle operations.
type Manager struct {
	store    Store
	gate     Gate
	notifier Notifier
	uploader Uploader
	clock    clock.Clock
	newID    func() (string, error)
	locale   render.Localizer
	logf     func(string, ...any)
	tracer   trace.Tracer

	dispatches sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier enables push fan-out after sends.
func WithNotifier(notifier Notifier) Option {
	return func(m *Manager) { m.notifier = notifier }
}

// WithUploader enables attachments.
func WithUploader(uploader Uploader) Option {
	return func(m *Manager) { m.uploader = uploader }
}

// WithClock sets the clock used for message timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithIDGenerator overrides chat and message id generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(m *Manager) {
		if newID != nil {
			m.newID = newID
		}
	}
}

// WithLocalizer sets the printer for system message copy.
func WithLocalizer(loc render.Localizer) Option {
	return func(m *Manager) {
		if loc != nil {
			m.locale = loc
		}
	}
}

// WithLogger sets the log function.
func WithLogger(logf func(string, ...any)) Option {
	return func(m *Manager) {
		if logf != nil {
			m.logf = logf
		}
	}
}

// NewManager builds a manager over store and gate.
func NewManager(store Store, gate Gate, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		gate:   gate,
		clock:  clock.Real(),
		newID:  id.NewID,
		locale: render.Printer(""),
		logf:   log.Printf,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wait blocks until background push dispatches finish.
func (m *Manager) Wait() {
	m.dispatches.Wait()
}

// StartInput describes a new customer chat.
type StartInput struct {
	CustomerID  string
	Subject     string
	DisplayName string
	Email       string
}

// StartChat validates the customer id before any other input, then creates
// the chat and saves the handle. A rejected identifier creates nothing.
func (m *Manager) StartChat(ctx context.Context, input StartInput, handles HandleStore) (chat domain.Chat, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.StartChat")
	defer func() { endSpan(span, err) }()

	if m.gate == nil {
		return domain.Chat{}, errors.New("access gate is not configured")
	}
	customerID, err := m.gate.Validate(ctx, input.CustomerID)
	if err != nil {
		if errors.Is(err, access.ErrInvalidCustomerID) {
			return domain.Chat{}, apperrors.Wrap(apperrors.CodeInvalidCustomerID, "invalid customer id", err)
		}
		return domain.Chat{}, apperrors.Wrap(apperrors.CodeWriteFailed, "check customer id", err)
	}
	subject := strings.TrimSpace(input.Subject)
	name := strings.TrimSpace(input.DisplayName)
	if subject == "" {
		return domain.Chat{}, apperrors.New(apperrors.CodeInvalidArgument, "subject is required")
	}
	if name == "" {
		return domain.Chat{}, apperrors.New(apperrors.CodeInvalidArgument, "name is required")
	}

	chatID, err := m.newID()
	if err != nil {
		return domain.Chat{}, fmt.Errorf("generate chat id: %w", err)
	}
	chat, err = m.store.CreateChat(ctx, domain.Chat{
		ID:            chatID,
		CustomerID:    customerID,
		Subject:       subject,
		CustomerName:  name,
		CustomerEmail: strings.TrimSpace(input.Email),
		Status:        domain.StatusActive,
		CreatedAt:     m.clock.Now().UTC(),
	})
	if err != nil {
		return domain.Chat{}, writeError("create chat", err)
	}
	span.SetAttributes(attribute.String("chat.id", chat.ID))

	if handles != nil {
		if err := handles.Save(ctx, Handle{ChatID: chat.ID, CustomerID: customerID, Subject: subject, DisplayName: name}); err != nil {
			return chat, fmt.Errorf("save session handle: %w", err)
		}
	}
	return chat, nil
}

// Session is a resumed customer session.
type Session struct {
	Handle Handle
	Chat   domain.Chat
}

// Resume re-reads the chat behind the stored handle. A rated or missing
// chat discards the handle and reports no session.
func (m *Manager) Resume(ctx context.Context, handles HandleStore) (session Session, ok bool, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Resume")
	defer func() { endSpan(span, err) }()

	if handles == nil {
		return Session{}, false, nil
	}
	handle, found, err := handles.Load(ctx)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session handle: %w", err)
	}
	if !found {
		return Session{}, false, nil
	}
	if !handle.Valid() {
		return Session{}, false, handles.Clear(ctx)
	}

	chat, err := m.store.GetChat(ctx, handle.ChatID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Session{}, false, handles.Clear(ctx)
	case err != nil:
		return Session{}, false, writeError("get chat", err)
	}
	if chat.Rated() || chat.CustomerID != handle.CustomerID {
		return Session{}, false, handles.Clear(ctx)
	}
	span.SetAttributes(attribute.String("chat.id", chat.ID), attribute.String("chat.phase", string(domain.PhaseOf(chat))))
	return Session{Handle: handle, Chat: chat}, true, nil
}

// Abandon discards the handle so the next start opens a new chat.
func (m *Manager) Abandon(ctx context.Context, handles HandleStore) error {
	if handles == nil {
		return nil
	}
	return handles.Clear(ctx)
}

// Assign claims chatID for agentName and appends the join message.
func (m *Manager) Assign(ctx context.Context, chatID, agentName string) (chat domain.Chat, system domain.Message, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Assign", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer func() { endSpan(span, err) }()

	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return domain.Chat{}, domain.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "agent name is required")
	}
	current, err := m.getChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	if err := domain.CanAssign(current); err != nil {
		return domain.Chat{}, domain.Message{}, transitionError(err)
	}
	message, err := m.systemMessage(current.ID, render.Joined(m.locale, agentName))
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	chat, system, err = m.store.AssignChat(ctx, current.ID, agentName, message)
	if err != nil {
		return domain.Chat{}, domain.Message{}, m.conditionalError(ctx, current.ID, "assign chat", err, domain.CanAssign)
	}
	return chat, system, nil
}

// Leave releases chatID back to the queue. The leaving agent's name is
// read from the agents table, falling back to "Agent".
func (m *Manager) Leave(ctx context.Context, chatID, agentID string) (chat domain.Chat, system domain.Message, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Leave", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer func() { endSpan(span, err) }()

	current, err := m.getChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	if err := domain.CanLeave(current); err != nil {
		return domain.Chat{}, domain.Message{}, transitionError(err)
	}
	message, err := m.systemMessage(current.ID, render.Left(m.locale, m.agentName(ctx, agentID)))
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	chat, system, err = m.store.ReleaseChat(ctx, current.ID, message)
	if err != nil {
		return domain.Chat{}, domain.Message{}, m.conditionalError(ctx, current.ID, "release chat", err, domain.CanLeave)
	}
	return chat, system, nil
}

// Close ends chatID on behalf of role.
func (m *Manager) Close(ctx context.Context, chatID string, role domain.Role) (chat domain.Chat, system domain.Message, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Close", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.String("chat.role", string(role)),
	))
	defer func() { endSpan(span, err) }()

	var content string
	switch role {
	case domain.RoleAgent:
		content = render.ClosedByAgent(m.locale)
	case domain.RoleCustomer:
		content = render.EndedByCustomer(m.locale)
	default:
		return domain.Chat{}, domain.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "only agents and customers close chats")
	}
	current, err := m.getChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	if err := domain.CanClose(current); err != nil {
		return domain.Chat{}, domain.Message{}, transitionError(err)
	}
	message, err := m.systemMessage(current.ID, content)
	if err != nil {
		return domain.Chat{}, domain.Message{}, err
	}
	chat, system, err = m.store.CloseChat(ctx, current.ID, message)
	if err != nil {
		return domain.Chat{}, domain.Message{}, m.conditionalError(ctx, current.ID, "close chat", err, domain.CanClose)
	}
	return chat, system, nil
}

// Rate stores the customer's rating on a closed chat. It succeeds once.
func (m *Manager) Rate(ctx context.Context, chatID string, rating int, review string) (chat domain.Chat, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Rate", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("chat.rating", rating),
	))
	defer func() { endSpan(span, err) }()

	if rating < domain.MinRating || rating > domain.MaxRating {
		return domain.Chat{}, transitionError(domain.ErrInvalidRating)
	}
	current, err := m.getChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if err := domain.ValidateRating(current, rating); err != nil {
		return domain.Chat{}, transitionError(err)
	}
	var reviewText *string
	if trimmed := strings.TrimSpace(review); trimmed != "" {
		reviewText = &trimmed
	}
	chat, err = m.store.RateChat(ctx, current.ID, rating, reviewText)
	if err != nil {
		return domain.Chat{}, m.conditionalError(ctx, current.ID, "rate chat", err, func(c domain.Chat) error {
			return domain.ValidateRating(c, rating)
		})
	}
	return chat, nil
}

// SendInput is one agent or customer message.
type SendInput struct {
	ChatID     string
	Role       domain.Role
	Content    string
	Attachment *domain.Attachment
}

// SendMessage writes the message, then notifies the opposite party in the
// background. Push failures never fail the send.
func (m *Manager) SendMessage(ctx context.Context, input SendInput) (message domain.Message, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.SendMessage", trace.WithAttributes(
		attribute.String("chat.id", input.ChatID),
		attribute.String("chat.role", string(input.Role)),
	))
	defer func() { endSpan(span, err) }()

	if _, ok := input.Role.Opposite(); !ok {
		return domain.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "only agents and customers send messages")
	}
	content := strings.TrimSpace(input.Content)
	if content == "" && input.Attachment == nil {
		return domain.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "message content is required")
	}
	chat, err := m.getChat(ctx, input.ChatID)
	if err != nil {
		return domain.Message{}, err
	}
	if chat.Status != domain.StatusActive {
		return domain.Message{}, transitionError(domain.ErrInvalidTransition)
	}

	messageID, err := m.newID()
	if err != nil {
		return domain.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	message, err = m.store.AppendMessage(ctx, domain.Message{
		ID:         messageID,
		ChatID:     chat.ID,
		Content:    content,
		Role:       input.Role,
		Attachment: input.Attachment,
		CreatedAt:  m.clock.Now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConditionFailed):
			return domain.Message{}, transitionError(domain.ErrInvalidTransition)
		case errors.Is(err, storage.ErrNotFound):
			return domain.Message{}, apperrors.Wrap(apperrors.CodeNotFound, "chat not found", err)
		}
		return domain.Message{}, writeError("append message", err)
	}

	if audience, ok := notifications.AudienceFor(input.Role, chat.CustomerID); ok {
		m.dispatch(ctx, audience, content)
	}
	return message, nil
}

// SendAttachment uploads a file and appends the "sent a file" message for
// role.
func (m *Manager) SendAttachment(ctx context.Context, chatID string, role domain.Role, name, contentType string, data []byte) (domain.Message, error) {
	if m.uploader == nil {
		return domain.Message{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "attachments are disabled", attachments.ErrStoreNotConfigured)
	}
	if len(data) > attachments.MaxSize {
		return domain.Message{}, apperrors.Wrap(apperrors.CodeAttachmentTooLarge, "attachment exceeds 25 MiB", attachments.ErrTooLarge)
	}
	if _, ok := role.Opposite(); !ok {
		return domain.Message{}, apperrors.New(apperrors.CodeInvalidArgument, "only agents and customers send attachments")
	}
	chat, err := m.getChat(ctx, chatID)
	if err != nil {
		return domain.Message{}, err
	}
	if chat.Status != domain.StatusActive {
		return domain.Message{}, transitionError(domain.ErrInvalidTransition)
	}
	attachment, err := m.uploader.Upload(ctx, chat.ID, name, contentType, data)
	if err != nil {
		switch {
		case errors.Is(err, attachments.ErrTooLarge):
			return domain.Message{}, apperrors.Wrap(apperrors.CodeAttachmentTooLarge, "attachment exceeds 25 MiB", err)
		case errors.Is(err, attachments.ErrEmpty):
			return domain.Message{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "attachment is empty", err)
		}
		return domain.Message{}, writeError("upload attachment", err)
	}
	return m.SendMessage(ctx, SendInput{
		ChatID:     chat.ID,
		Role:       role,
		Content:    render.SentFile(m.locale, attachment.Name),
		Attachment: &attachment,
	})
}

func (m *Manager) dispatch(ctx context.Context, audience notifications.Audience, text string) {
	if m.notifier == nil || !audience.Valid() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.dispatches.Add(1)
	go func() {
		defer m.dispatches.Done()
		result, err := m.notifier.Dispatch(ctx, audience, text)
		if err != nil {
			m.logf("lifecycle: push dispatch audience=%q err=%v", audience.String(), err)
			return
		}
		if result.Failed > 0 || result.Pruned > 0 {
			m.logf("lifecycle: push dispatch audience=%q attempted=%d pruned=%d failed=%d", audience.String(), result.Attempted, result.Pruned, result.Failed)
		}
	}()
}

func (m *Manager) getChat(ctx context.Context, chatID string) (domain.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Chat{}, apperrors.New(apperrors.CodeInvalidArgument, "chat id is required")
	}
	chat, err := m.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Chat{}, apperrors.Wrap(apperrors.CodeNotFound, "chat not found", err)
		}
		return domain.Chat{}, writeError("get chat", err)
	}
	return chat, nil
}

func (m *Manager) agentName(ctx context.Context, agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.Agent{}.DisplayName()
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logf("lifecycle: resolve agent name agent_id=%q err=%v", agentID, err)
		}
		return domain.Agent{}.DisplayName()
	}
	return agent.DisplayName()
}

func (m *Manager) systemMessage(chatID, content string) (domain.Message, error) {
	messageID, err := m.newID()
	if err != nil {
		return domain.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	return domain.Message{
		ID:        messageID,
		ChatID:    chatID,
		Content:   content,
		Role:      domain.RoleSystem,
		CreatedAt: m.clock.Now().UTC(),
	}, nil
}

// conditionalError explains a failed conditional write. The chat changed
// between the read and the write, so it is re-read and the guard re-run.
func (m *Manager) conditionalError(ctx context.Context, chatID, op string, err error, guard func(domain.Chat) error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, "chat not found", err)
	case !errors.Is(err, storage.ErrConditionFailed):
		return writeError(op, err)
	}
	current, readErr := m.store.GetChat(ctx, chatID)
	if readErr == nil {
		if guardErr := guard(current); guardErr != nil {
			return transitionError(guardErr)
		}
	}
	return apperrors.Wrap(apperrors.CodeChatInvalidTransition, op+": chat changed concurrently", err)
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidRating):
		return apperrors.Wrap(apperrors.CodeChatInvalidRating, "rating must be between 1 and 5", err)
	case errors.Is(err, domain.ErrAlreadyRated):
		return apperrors.Wrap(apperrors.CodeChatAlreadyRated, "chat already rated", err)
	case errors.Is(err, domain.ErrNotClosed):
		return apperrors.Wrap(apperrors.CodeChatInvalidTransition, "chat is still active", err)
	default:
		return apperrors.Wrap(apperrors.CodeChatInvalidTransition, "chat is closed", err)
	}
}

func writeError(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeWriteFailed, op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
