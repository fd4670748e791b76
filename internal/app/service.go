package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"parley/api/internal/auth"
	"parley/api/internal/authpw"
	"parley/api/internal/config"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

// Fixed placeholders written over removed content. Tests assert the
// exact values, so treat them as part of the wire contract.
const (
	deletedTombstone     = "[deleted]"
	anonymizedBody       = "[anonymized]"
	anonymousSenderID    = "anonymous"
	anonymousDisplayName = "Anonymous"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Tenant    string
	ExpiresAt time.Time
}

type CreateConversationInput struct {
	ContextType    string            `json:"contextType"`
	ContextID      string            `json:"contextId"`
	ParticipantIDs []string          `json:"participantIds"`
	Title          string            `json:"title"`
	DisplayNames   map[string]string `json:"displayNames"`
}

type ListConversationsInput struct {
	ContextType string
	Search      string
	Limit       int
	Offset      int
}

type SendMessageInput struct {
	Body     string  `json:"body"`
	Metadata *string `json:"metadata"`
	ReplyTo  *string `json:"replyTo"`
}

type ParticipantView struct {
	UserID      string     `json:"userId"`
	DisplayName *string    `json:"displayName"`
	LastSeenAt  *time.Time `json:"lastSeenAt"`
}

type ConversationView struct {
	ID            string            `json:"id"`
	ContextType   *string           `json:"contextType"`
	ContextID     *string           `json:"contextId"`
	Title         *string           `json:"title"`
	CreatedBy     string            `json:"createdBy"`
	LastMessageAt time.Time         `json:"lastMessageAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	Participants  []ParticipantView `json:"participants"`
	HasUnread     bool              `json:"hasUnread"`
}

type ConversationPage struct {
	Items           []ConversationView `json:"items"`
	TotalCount      int                `json:"totalCount"`
	HasNextPage     bool               `json:"hasNextPage"`
	HasPreviousPage bool               `json:"hasPreviousPage"`
}

type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	Metadata       *string   `json:"metadata"`
	ReplyTo        *string   `json:"replyTo"`
	IsDeleted      bool      `json:"isDeleted"`
	DeletedReason  *string   `json:"deletedReason"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessagePage struct {
	Items           []MessageView `json:"items"`
	TotalCount      int           `json:"totalCount"`
	HasNextPage     bool          `json:"hasNextPage"`
	HasPreviousPage bool          `json:"hasPreviousPage"`
}

type ActivityCounts struct {
	NewConversationCount int `json:"newConversationCount"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertConversation(context.Context, store.Conversation, []store.Participant) (store.Conversation, error)
	GetConversation(context.Context, string) (store.Conversation, error)
	FindConversationByContextAndParticipants(context.Context, string, string, []string) (*store.Conversation, error)
	ListConversationsForUser(context.Context, string, string, string, int, int) ([]store.ConversationListItem, int, error)
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	IsParticipant(context.Context, string, string) (bool, error)
	MarkConversationSeen(context.Context, string, string) (bool, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string, int, int) ([]store.Message, int, error)
	SoftDeleteMessage(context.Context, string, string, *string) (bool, error)
	AnonymizeUser(context.Context, string, string, string, string) (int64, error)
	GetUserActivity(context.Context, string) (*store.UserActivity, error)
	UpsertUserActivitySeen(context.Context, string) error
	CountConversationsWithNewActivity(context.Context, string, *time.Time) (int, error)
	Ping(ctx context.Context) error
}

type badgeCache interface {
	GetNewConversationCount(ctx context.Context, userID string) (int, bool, error)
	SetNewConversationCount(ctx context.Context, userID string, count int) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	accounts *authpw.Service
	badges   badgeCache
}

func New(cfg config.Config, dataStore *store.PostgresStore, accounts *authpw.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		accounts: accounts,
	}
}

func NewWithBadgeCache(cfg config.Config, dataStore *store.PostgresStore, accounts *authpw.Service, badges badgeCache) *Service {
	service := New(cfg, dataStore, accounts)
	service.badges = badges
	return service
}

// --- auth surface ---

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, domainError(http.StatusBadRequest, codeValidation, err.Error(), nil)
	}
	return s.issueSession(user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, codeUnauthorized, err.Error(), nil)
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	tenant := ""
	if user.TenantID != nil {
		tenant = *user.TenantID
	}
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Principal{
		UserID: user.ID,
		Name:   user.DisplayName,
		Tenant: tenant,
	}, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Tenant:    tenant,
		ExpiresAt: expiresAt,
	}, nil
}

// PrincipalFromToken verifies a bearer credential. Every failure mode
// collapses into "no principal".
func (s *Service) PrincipalFromToken(token string) (auth.Principal, error) {
	principal, err := auth.VerifyToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return auth.Principal{}, domainError(http.StatusUnauthorized, codeUnauthorized, "Invalid or missing credential", nil)
	}
	return principal, nil
}

// --- conversation resolver ---

// canonicalParticipants returns the deduplicated union of the requested
// ids and the creator, sorted ascending. The sort exists so the same
// logical set always compares and stores identically; participant order
// carries no roles.
func canonicalParticipants(creatorID string, requestedIDs []string) []string {
	set := map[string]struct{}{creatorID: {}}
	for _, id := range requestedIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveConversation is the idempotent create path: with a context pair
// and an identical logical participant set, the second call returns the
// first call's conversation and writes nothing. Without a context pair a
// fresh conversation is always created.
func (s *Service) ResolveConversation(ctx context.Context, creatorID string, input CreateConversationInput) (ConversationView, error) {
	contextType := strings.TrimSpace(input.ContextType)
	contextID := strings.TrimSpace(input.ContextID)
	if (contextType == "") != (contextID == "") {
		return ConversationView{}, domainError(http.StatusBadRequest, codeValidation, "contextType and contextId must be provided together", nil)
	}
	if len(input.ParticipantIDs) == 0 {
		return ConversationView{}, domainError(http.StatusBadRequest, codeValidation, "participantIds must not be empty", nil)
	}

	participantIDs := canonicalParticipants(creatorID, input.ParticipantIDs)

	if contextType != "" {
		existing, err := s.store.FindConversationByContextAndParticipants(ctx, contextType, contextID, participantIDs)
		if err != nil {
			return ConversationView{}, err
		}
		if existing != nil {
			return s.conversationViewFor(ctx, creatorID, *existing)
		}
	}

	conversation := store.Conversation{
		ID:        util.NewID("conv"),
		CreatedBy: creatorID,
	}
	if contextType != "" {
		conversation.ContextType = &contextType
		conversation.ContextID = &contextID
	}
	if title := strings.TrimSpace(input.Title); title != "" {
		conversation.Title = &title
	}

	participants := make([]store.Participant, 0, len(participantIDs))
	for _, userID := range participantIDs {
		participant := store.Participant{ConversationID: conversation.ID, UserID: userID}
		if name, ok := input.DisplayNames[userID]; ok && strings.TrimSpace(name) != "" {
			trimmed := strings.TrimSpace(name)
			participant.DisplayName = &trimmed
		}
		participants = append(participants, participant)
	}

	created, err := s.store.InsertConversation(ctx, conversation, participants)
	if err != nil {
		return ConversationView{}, err
	}

	return s.conversationViewFor(ctx, creatorID, created)
}

// GetConversation applies the participant gate: to a non-participant the
// conversation does not exist, so denial and absence are the same error.
func (s *Service) GetConversation(ctx context.Context, callerID, conversationID string) (ConversationView, error) {
	if _, err := s.store.GetParticipant(ctx, conversationID, callerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationView{}, domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
		}
		return ConversationView{}, err
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationView{}, domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
		}
		return ConversationView{}, err
	}
	return s.conversationViewFor(ctx, callerID, conversation)
}

// GetConversationByContext looks up the thread attached to the context
// pair for exactly the caller and one other participant.
func (s *Service) GetConversationByContext(ctx context.Context, callerID, contextType, contextID, otherParticipantID string) (ConversationView, error) {
	contextType = strings.TrimSpace(contextType)
	contextID = strings.TrimSpace(contextID)
	otherParticipantID = strings.TrimSpace(otherParticipantID)
	if contextType == "" || contextID == "" || otherParticipantID == "" {
		return ConversationView{}, domainError(http.StatusBadRequest, codeValidation, "contextType, contextId, and participantId are required", nil)
	}

	pair := canonicalParticipants(callerID, []string{otherParticipantID})
	conversation, err := s.store.FindConversationByContextAndParticipants(ctx, contextType, contextID, pair)
	if err != nil {
		return ConversationView{}, err
	}
	if conversation == nil {
		return ConversationView{}, domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
	}
	if _, err := s.store.GetParticipant(ctx, conversation.ID, callerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversationView{}, domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
		}
		return ConversationView{}, err
	}
	return s.conversationViewFor(ctx, callerID, *conversation)
}

func (s *Service) ListConversations(ctx context.Context, callerID string, input ListConversationsInput) (ConversationPage, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	items, total, err := s.store.ListConversationsForUser(ctx, callerID, strings.TrimSpace(input.ContextType), strings.TrimSpace(input.Search), limit, offset)
	if err != nil {
		return ConversationPage{}, err
	}

	views := make([]ConversationView, 0, len(items))
	for _, item := range items {
		participants, err := s.store.ListParticipants(ctx, item.ID)
		if err != nil {
			return ConversationPage{}, err
		}
		view := conversationView(item.Conversation, participants)
		view.HasUnread = hasUnread(item.ViewerLastSeenAt, item.LastMessageAt)
		views = append(views, view)
	}

	return ConversationPage{
		Items:           views,
		TotalCount:      total,
		HasNextPage:     offset+limit < total,
		HasPreviousPage: offset > 0,
	}, nil
}

func (s *Service) MarkConversationSeen(ctx context.Context, callerID, conversationID string) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
	}
	// A false return means the watermark was already at now; that is a
	// no-op, not an error.
	if _, err := s.store.MarkConversationSeen(ctx, conversationID, callerID); err != nil {
		return err
	}
	return nil
}

// --- message ledger ---

func (s *Service) SendMessage(ctx context.Context, senderID, conversationID string, input SendMessageInput) (MessageView, error) {
	if strings.TrimSpace(input.Body) == "" {
		return MessageView{}, domainError(http.StatusBadRequest, codeValidation, "body must not be empty", nil)
	}

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
		}
		return MessageView{}, err
	}

	participants, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return MessageView{}, err
	}
	isMember := false
	for _, participant := range participants {
		if participant.UserID == senderID {
			isMember = true
			break
		}
	}
	if !isMember {
		return MessageView{}, domainError(http.StatusForbidden, codeForbidden, "Sender is not a participant", nil)
	}

	// reply_to is stored as given: the reference is not checked for
	// existence or for pointing into another conversation.
	message, err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           input.Body,
		Metadata:       input.Metadata,
		ReplyTo:        input.ReplyTo,
	})
	if err != nil {
		return MessageView{}, err
	}

	s.invalidateBadges(ctx, participants)

	return messageView(message), nil
}

func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string, limit, offset int) (MessagePage, error) {
	if _, err := s.store.GetParticipant(ctx, conversationID, callerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessagePage{}, domainError(http.StatusNotFound, codeNotFound, "Conversation not found", nil)
		}
		return MessagePage{}, err
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	messages, total, err := s.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return MessagePage{}, err
	}

	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	return MessagePage{
		Items:           views,
		TotalCount:      total,
		HasNextPage:     offset+limit < total,
		HasPreviousPage: offset > 0,
	}, nil
}

// DeleteOwnMessage removes a message the caller sent. There is no
// moderator override here; moderation goes through ForceDeleteMessage.
func (s *Service) DeleteOwnMessage(ctx context.Context, callerID, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, codeNotFound, "Message not found", nil)
		}
		return err
	}
	if message.SenderID != callerID {
		return domainError(http.StatusForbidden, codeForbidden, "Only the sender may delete a message", nil)
	}
	if _, err := s.store.SoftDeleteMessage(ctx, messageID, deletedTombstone, nil); err != nil {
		return err
	}
	return nil
}

// --- moderation path ---

// ForceDeleteMessage skips the participant check; callers are trusted
// internal principals gated upstream by the moderation token.
func (s *Service) ForceDeleteMessage(ctx context.Context, messageID, reason string) error {
	if _, err := s.store.GetMessage(ctx, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, codeNotFound, "Message not found", nil)
		}
		return err
	}
	var reasonValue *string
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		reasonValue = &trimmed
	}
	if _, err := s.store.SoftDeleteMessage(ctx, messageID, deletedTombstone, reasonValue); err != nil {
		return err
	}
	return nil
}

// AnonymizeUser irreversibly rewrites everything the user authored.
func (s *Service) AnonymizeUser(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, domainError(http.StatusBadRequest, codeValidation, "userId is required", nil)
	}
	rewritten, err := s.store.AnonymizeUser(ctx, userID, anonymizedBody, anonymousSenderID, anonymousDisplayName)
	if err != nil {
		return 0, err
	}
	s.invalidateBadges(ctx, nil, userID)
	return rewritten, nil
}

// --- activity tracker ---

// hasUnread implements the per-conversation flag: unread when the
// viewer never looked, or when activity is strictly newer than their
// per-conversation watermark.
func hasUnread(viewerLastSeenAt *time.Time, lastMessageAt time.Time) bool {
	if viewerLastSeenAt == nil {
		return true
	}
	return lastMessageAt.After(*viewerLastSeenAt)
}

// ActivityCounts computes the global new-conversation badge against the
// user's global watermark. Marking a single conversation seen does not
// move this count; only MarkAllSeen does.
func (s *Service) ActivityCounts(ctx context.Context, userID string) (ActivityCounts, error) {
	if s.badges != nil {
		count, hit, err := s.badges.GetNewConversationCount(ctx, userID)
		if err != nil {
			log.Printf("badge cache read failed for %s: %v", userID, err)
		} else if hit {
			return ActivityCounts{NewConversationCount: count}, nil
		}
	}

	activity, err := s.store.GetUserActivity(ctx, userID)
	if err != nil {
		return ActivityCounts{}, err
	}
	var since *time.Time
	if activity != nil {
		since = activity.LastSeenAt
	}

	count, err := s.store.CountConversationsWithNewActivity(ctx, userID, since)
	if err != nil {
		return ActivityCounts{}, err
	}

	if s.badges != nil {
		if err := s.badges.SetNewConversationCount(ctx, userID, count); err != nil {
			log.Printf("badge cache write failed for %s: %v", userID, err)
		}
	}
	return ActivityCounts{NewConversationCount: count}, nil
}

// MarkAllSeen writes the global watermark; safe to call repeatedly.
func (s *Service) MarkAllSeen(ctx context.Context, userID string) error {
	if err := s.store.UpsertUserActivitySeen(ctx, userID); err != nil {
		return err
	}
	s.invalidateBadges(ctx, nil, userID)
	return nil
}

func (s *Service) invalidateBadges(ctx context.Context, participants []store.Participant, extra ...string) {
	if s.badges == nil {
		return
	}
	userIDs := make([]string, 0, len(participants)+len(extra))
	for _, participant := range participants {
		userIDs = append(userIDs, participant.UserID)
	}
	userIDs = append(userIDs, extra...)
	if err := s.badges.Invalidate(ctx, userIDs...); err != nil {
		log.Printf("badge cache invalidation failed: %v", err)
	}
}

// --- views ---

func (s *Service) conversationViewFor(ctx context.Context, viewerID string, conversation store.Conversation) (ConversationView, error) {
	participants, err := s.store.ListParticipants(ctx, conversation.ID)
	if err != nil {
		return ConversationView{}, err
	}
	view := conversationView(conversation, participants)
	for _, participant := range participants {
		if participant.UserID == viewerID {
			view.HasUnread = hasUnread(participant.LastSeenAt, conversation.LastMessageAt)
			break
		}
	}
	return view, nil
}

func conversationView(conversation store.Conversation, participants []store.Participant) ConversationView {
	participantViews := make([]ParticipantView, 0, len(participants))
	for _, participant := range participants {
		participantViews = append(participantViews, ParticipantView{
			UserID:      participant.UserID,
			DisplayName: participant.DisplayName,
			LastSeenAt:  participant.LastSeenAt,
		})
	}
	return ConversationView{
		ID:            conversation.ID,
		ContextType:   conversation.ContextType,
		ContextID:     conversation.ContextID,
		Title:         conversation.Title,
		CreatedBy:     conversation.CreatedBy,
		LastMessageAt: conversation.LastMessageAt,
		CreatedAt:     conversation.CreatedAt,
		Participants:  participantViews,
	}
}

func messageView(message store.Message) MessageView {
	return MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Body:           message.Body,
		Metadata:       message.Metadata,
		ReplyTo:        message.ReplyTo,
		IsDeleted:      message.IsDeleted,
		DeletedReason:  message.DeletedReason,
		CreatedAt:      message.CreatedAt,
	}
}

// Ping verifies the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
