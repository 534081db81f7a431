package store

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	pub feed.Publisher
}

type GormStoreOptions struct {
	Feed feed.Publisher
}

type GormStoreOption func(*GormStoreOptions)

// WithFeed attaches a change-event publisher. Mutations publish after commit;
// a publish failure is logged, never surfaced to the caller.
func WithFeed(pub feed.Publisher) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Feed = pub
	}
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&ProfileModel{},
		&ChannelModel{},
		&SharedLinkModel{},
		&ConversationModel{},
		&ReactionModel{},
		&CommentModel{},
		&FileModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db, pub: opts.Feed}, nil
}

func (s *GormStore) publish(ctx context.Context, ev feed.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		slog.Warn("store: publish change event failed", "table", ev.Table, "type", ev.Type, "err", err)
	}
}

// SaveProfile inserts or updates a profile.
func (s *GormStore) SaveProfile(_ context.Context, p domain.Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	model := ProfileModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email"}),
	}).Create(&model).Error
}

// GetProfile retrieves a profile by id.
func (s *GormStore) GetProfile(_ context.Context, id string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return domain.Profile(model), true, nil
}

// GetProfileByEmail retrieves a profile by email.
func (s *GormStore) GetProfileByEmail(_ context.Context, email string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "email = ?", email).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return domain.Profile(model), true, nil
}

// ListProfiles returns all profiles ordered by username.
func (s *GormStore) ListProfiles(_ context.Context) ([]domain.Profile, error) {
	var models []ProfileModel
	if err := s.db.Order("username ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Profile, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Profile(m))
	}
	return res, nil
}

// EnsureChannel returns the channel with the given name, creating it if
// absent. The unique index on name makes concurrent callers converge on one
// row; the loser of the insert race resolves to the winner's channel.
func (s *GormStore) EnsureChannel(ctx context.Context, name string) (domain.Channel, error) {
	ch, ok, err := s.GetChannelByName(ctx, name)
	if err != nil {
		return domain.Channel{}, err
	}
	if ok {
		return ch, nil
	}
	model := ChannelModel{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Channel{}, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; fetch the winner.
		ch, ok, err = s.GetChannelByName(ctx, name)
		if err != nil {
			return domain.Channel{}, err
		}
		if !ok {
			return domain.Channel{}, fmt.Errorf("channel %q vanished after conflict", name)
		}
		return ch, nil
	}
	created := domain.Channel(model)
	s.publish(ctx, feed.ChannelEvent(feed.EventInsert, &created, nil))
	return created, nil
}

// GetChannelByName looks a channel up by exact name.
func (s *GormStore) GetChannelByName(_ context.Context, name string) (domain.Channel, bool, error) {
	var model ChannelModel
	if err := s.db.First(&model, "name = ?", name).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Channel{}, false, nil
		}
		return domain.Channel{}, false, err
	}
	return domain.Channel(model), true, nil
}

// ListChannels returns all channels ordered by name.
func (s *GormStore) ListChannels(_ context.Context) ([]domain.Channel, error) {
	var models []ChannelModel
	if err := s.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Channel, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Channel(m))
	}
	return res, nil
}

// ListLinks returns links newest first, optionally scoped to a channel, with
// sender/receiver usernames joined in.
func (s *GormStore) ListLinks(ctx context.Context, f LinkFilter) ([]domain.SharedLink, error) {
	var models []SharedLinkModel
	tx := s.db.Order("created_at DESC")
	if f.ChannelID != "" {
		tx = tx.Where("channel_id = ?", f.ChannelID)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	links := make([]domain.SharedLink, 0, len(models))
	ids := make([]string, 0, 2*len(models))
	for _, m := range models {
		links = append(links, linkFromModel(m))
		ids = append(ids, m.Sender, m.Receiver)
	}
	names, err := s.usernames(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range links {
		links[i].SenderName = displayName(names, links[i].Sender)
		links[i].ReceiverName = displayName(names, links[i].Receiver)
	}
	return links, nil
}

// GetLink retrieves one link without joined names.
func (s *GormStore) GetLink(_ context.Context, id string) (domain.SharedLink, bool, error) {
	var model SharedLinkModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.SharedLink{}, false, nil
		}
		return domain.SharedLink{}, false, err
	}
	return linkFromModel(model), true, nil
}

// InsertLink stores a new link, assigning id and timestamp when unset, and
// publishes the insert.
func (s *GormStore) InsertLink(ctx context.Context, l domain.SharedLink) (domain.SharedLink, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt == nil {
		now := time.Now().UTC()
		l.CreatedAt = &now
	}
	model := linkToModel(l)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.SharedLink{}, err
	}
	stored := linkFromModel(model)
	s.publish(ctx, feed.LinkEvent(feed.EventInsert, &stored, nil))
	return stored, nil
}

// MarkLinkRead flips is_read to true and publishes the patch.
func (s *GormStore) MarkLinkRead(ctx context.Context, id string) error {
	res := s.db.Model(&SharedLinkModel{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	link, ok, err := s.GetLink(ctx, id)
	if err == nil && ok {
		s.publish(ctx, feed.LinkEvent(feed.EventUpdate, &link, nil))
	}
	return nil
}

// DeleteLink removes the link and its dependents, publishing the delete.
func (s *GormStore) DeleteLink(ctx context.Context, id string) error {
	old, ok, err := s.GetLink(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ReactionModel{}, "shared_link_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ConversationModel{}, "shared_link_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&CommentModel{}, "shared_link_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&FileModel{}, "shared_link_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&SharedLinkModel{}, "id = ?", id).Error
	})
	if err != nil {
		return err
	}
	s.publish(ctx, feed.LinkEvent(feed.EventDelete, nil, &old))
	return nil
}

// ListMessages returns a channel's messages oldest first, optionally scoped
// to a link's thread, with author identity joined in.
func (s *GormStore) ListMessages(ctx context.Context, f MessageFilter) ([]domain.Message, error) {
	var models []ConversationModel
	tx := s.db.Where("channel_id = ?", f.ChannelID).Order("created_at ASC")
	if f.LinkID != "" {
		tx = tx.Where("shared_link_id = ?", f.LinkID)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	ids := make([]string, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
		ids = append(ids, m.UserID)
	}
	profiles, err := s.profilesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if p, ok := profiles[msgs[i].UserID]; ok {
			msgs[i].AuthorName = p.Username
			msgs[i].AuthorEmail = p.Email
		}
	}
	return msgs, nil
}

// InsertMessage stores a conversation entry and publishes the insert.
func (s *GormStore) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	model := messageToModel(m)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Message{}, err
	}
	stored := messageFromModel(model)
	s.publish(ctx, feed.MessageEvent(feed.EventInsert, &stored, nil))
	return stored, nil
}

// DeleteMessage removes one conversation entry and publishes the delete.
func (s *GormStore) DeleteMessage(ctx context.Context, id string) error {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	if err := s.db.Delete(&ConversationModel{}, "id = ?", id).Error; err != nil {
		return err
	}
	old := messageFromModel(model)
	s.publish(ctx, feed.MessageEvent(feed.EventDelete, nil, &old))
	return nil
}

// ListReactions returns a link's reactions oldest first.
func (s *GormStore) ListReactions(_ context.Context, linkID string) ([]domain.Reaction, error) {
	var models []ReactionModel
	if err := s.db.Where("shared_link_id = ?", linkID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Reaction, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Reaction(m))
	}
	return res, nil
}

// InsertReaction stores a reaction and publishes the insert.
func (s *GormStore) InsertReaction(ctx context.Context, r domain.Reaction) (domain.Reaction, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	model := ReactionModel(r)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Reaction{}, err
	}
	stored := domain.Reaction(model)
	s.publish(ctx, feed.ReactionEvent(feed.EventInsert, &stored, nil))
	return stored, nil
}

// DeleteReaction removes a reaction, but only for its author.
func (s *GormStore) DeleteReaction(ctx context.Context, id, userID string) error {
	var model ReactionModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	if err := s.db.Delete(&ReactionModel{}, "id = ?", id).Error; err != nil {
		return err
	}
	old := domain.Reaction(model)
	s.publish(ctx, feed.ReactionEvent(feed.EventDelete, nil, &old))
	return nil
}

// ListComments returns a link's comments oldest first with author names.
func (s *GormStore) ListComments(ctx context.Context, linkID string) ([]domain.Comment, error) {
	var models []CommentModel
	if err := s.db.Where("shared_link_id = ?", linkID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	comments := make([]domain.Comment, 0, len(models))
	ids := make([]string, 0, len(models))
	for _, m := range models {
		comments = append(comments, domain.Comment{
			ID:           m.ID,
			SharedLinkID: m.SharedLinkID,
			UserID:       m.UserID,
			Content:      m.Content,
			CreatedAt:    m.CreatedAt,
		})
		ids = append(ids, m.UserID)
	}
	names, err := s.usernames(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range comments {
		comments[i].AuthorName = displayName(names, comments[i].UserID)
	}
	return comments, nil
}

// InsertComment stores a comment and publishes the insert.
func (s *GormStore) InsertComment(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	model := CommentModel{
		ID:           c.ID,
		SharedLinkID: c.SharedLinkID,
		UserID:       c.UserID,
		Content:      c.Content,
		CreatedAt:    c.CreatedAt,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Comment{}, err
	}
	s.publish(ctx, feed.CommentEvent(feed.EventInsert, &c, nil))
	return c, nil
}

// ListFiles returns attachment metadata for a link.
func (s *GormStore) ListFiles(_ context.Context, linkID string) ([]domain.FileRecord, error) {
	var models []FileModel
	if err := s.db.Where("shared_link_id = ?", linkID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FileRecord, 0, len(models))
	for _, m := range models {
		res = append(res, domain.FileRecord(m))
	}
	return res, nil
}

// InsertFile stores attachment metadata.
func (s *GormStore) InsertFile(_ context.Context, f domain.FileRecord) (domain.FileRecord, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	model := FileModel(f)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.FileRecord{}, err
	}
	return domain.FileRecord(model), nil
}

func (s *GormStore) usernames(ctx context.Context, ids []string) (map[string]string, error) {
	profiles, err := s.profilesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(profiles))
	for id, p := range profiles {
		names[id] = p.Username
	}
	return names, nil
}

func (s *GormStore) profilesByID(_ context.Context, ids []string) (map[string]domain.Profile, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	if len(uniq) == 0 {
		return map[string]domain.Profile{}, nil
	}
	var models []ProfileModel
	if err := s.db.Where("id IN ?", uniq).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make(map[string]domain.Profile, len(models))
	for _, m := range models {
		res[m.ID] = domain.Profile(m)
	}
	return res, nil
}

func displayName(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return "Unknown"
}
