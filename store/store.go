package store

import (
	"context"
	"strconv"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/gaplens/gaplens/internal/profile"
	"github.com/gaplens/gaplens/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// conversationCache caches conversation rows by UID to keep the hot
	// message path from hitting the database for ownership checks.
	conversationCache *cache.Cache
	analysisCache     *cache.Cache
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	cacheConfig := cache.Config{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MaxItems:        1000,
	}

	return &Store{
		driver:            driver,
		profile:           profile,
		conversationCache: cache.New(cacheConfig),
		analysisCache:     cache.New(cacheConfig),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	s.conversationCache.Close()
	s.analysisCache.Close()
	return s.driver.Close()
}

// GetOrCreateConversation looks up the conversation for (analysisID, userID),
// creating it when absent. The lookup-or-create is idempotent: a creation race
// resolves by re-reading the winner's row.
func (s *Store) GetOrCreateConversation(ctx context.Context, analysisID, userID int32) (*Conversation, error) {
	find := &FindConversation{AnalysisID: &analysisID, UserID: &userID}
	conversations, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	if len(conversations) > 0 {
		return conversations[0], nil
	}

	now := time.Now().Unix()
	created, err := s.driver.CreateConversation(ctx, &Conversation{
		UID:        shortuuid.New(),
		UserID:     userID,
		AnalysisID: analysisID,
		CreatedTs:  now,
		UpdatedTs:  now,
	})
	if err != nil {
		// A concurrent request may have created the row first; the unique
		// (analysis_id, user_id) constraint makes the re-read authoritative.
		conversations, listErr := s.driver.ListConversations(ctx, find)
		if listErr == nil && len(conversations) > 0 {
			return conversations[0], nil
		}
		return nil, errors.Wrap(err, "create conversation")
	}
	return created, nil
}

// GetConversationByUID resolves a conversation row, serving repeat lookups
// from the in-process cache.
func (s *Store) GetConversationByUID(ctx context.Context, uid string) (*Conversation, error) {
	if cached, ok := s.conversationCache.Get(uid); ok {
		return cached.(*Conversation), nil
	}

	conversations, err := s.driver.ListConversations(ctx, &FindConversation{UID: &uid})
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	if len(conversations) == 0 {
		return nil, nil
	}

	s.conversationCache.Set(uid, conversations[0])
	return conversations[0], nil
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	updated, err := s.driver.UpdateConversation(ctx, update)
	if err != nil {
		return nil, err
	}
	s.conversationCache.Delete(updated.UID)
	return updated, nil
}

// ClearConversation removes all messages and resets analytics counters.
// The conversation row itself is retained.
func (s *Store) ClearConversation(ctx context.Context, conversationID int32) error {
	if err := s.driver.DeleteMessages(ctx, &DeleteMessage{ConversationID: &conversationID}); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	if _, err := s.driver.UpsertConversationStats(ctx, &UpsertConversationStats{
		ConversationID: conversationID,
		Reset:          true,
	}); err != nil {
		return errors.Wrap(err, "reset conversation stats")
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error) {
	return s.driver.UpdateMessage(ctx, update)
}

func (s *Store) CreateAnalysis(ctx context.Context, create *Analysis) (*Analysis, error) {
	return s.driver.CreateAnalysis(ctx, create)
}

// GetAnalysis resolves an analysis row, caching by ID.
func (s *Store) GetAnalysis(ctx context.Context, find *FindAnalysis) (*Analysis, error) {
	if find.ID != nil && find.UserID == nil {
		if cached, ok := s.analysisCache.Get(analysisCacheKey(*find.ID)); ok {
			return cached.(*Analysis), nil
		}
	}

	analysis, err := s.driver.GetAnalysis(ctx, find)
	if err != nil {
		return nil, err
	}
	if analysis != nil {
		s.analysisCache.Set(analysisCacheKey(analysis.ID), analysis)
	}
	return analysis, nil
}

func (s *Store) CreateAnalysisVariant(ctx context.Context, create *AnalysisVariant) (*AnalysisVariant, error) {
	return s.driver.CreateAnalysisVariant(ctx, create)
}

func (s *Store) ListAnalysisVariants(ctx context.Context, find *FindAnalysisVariant) ([]*AnalysisVariant, error) {
	return s.driver.ListAnalysisVariants(ctx, find)
}

func (s *Store) CreateSuggestedQuestions(ctx context.Context, creates []*SuggestedQuestion) ([]*SuggestedQuestion, error) {
	return s.driver.CreateSuggestedQuestions(ctx, creates)
}

func (s *Store) ListSuggestedQuestions(ctx context.Context, find *FindSuggestedQuestion) ([]*SuggestedQuestion, error) {
	return s.driver.ListSuggestedQuestions(ctx, find)
}

func (s *Store) UpdateSuggestedQuestion(ctx context.Context, update *UpdateSuggestedQuestion) (*SuggestedQuestion, error) {
	return s.driver.UpdateSuggestedQuestion(ctx, update)
}

func (s *Store) DeleteSuggestedQuestions(ctx context.Context, delete *DeleteSuggestedQuestion) error {
	return s.driver.DeleteSuggestedQuestions(ctx, delete)
}

func (s *Store) CreateUsageEvent(ctx context.Context, create *UsageEvent) (*UsageEvent, error) {
	return s.driver.CreateUsageEvent(ctx, create)
}

func (s *Store) ListUsageEvents(ctx context.Context, find *FindUsageEvent) ([]*UsageEvent, error) {
	return s.driver.ListUsageEvents(ctx, find)
}

func (s *Store) UpsertConversationStats(ctx context.Context, upsert *UpsertConversationStats) (*ConversationStats, error) {
	return s.driver.UpsertConversationStats(ctx, upsert)
}

func (s *Store) GetConversationStats(ctx context.Context, conversationID int32) (*ConversationStats, error) {
	return s.driver.GetConversationStats(ctx, conversationID)
}

func (s *Store) CreateMessageReport(ctx context.Context, create *MessageReport) (*MessageReport, error) {
	return s.driver.CreateMessageReport(ctx, create)
}

func (s *Store) CountMessageReports(ctx context.Context, find *FindMessageReport) (int, error) {
	return s.driver.CountMessageReports(ctx, find)
}

func analysisCacheKey(id int32) string {
	return "analysis:" + strconv.Itoa(int(id))
}
