package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// DefaultTablePrefix is the table prefix of a stock wpForo install.
const DefaultTablePrefix = "wp_wpforo_"

// ErrNotFound is returned when a group or profile does not exist.
var ErrNotFound = errors.New("forum: not found")

// SubscriptionTypeTopic marks a subscription bound to a topic.
const SubscriptionTypeTopic = "topic"

type usergroup struct {
	GroupID int64  `gorm:"column:groupid;primaryKey"`
	Name    string `gorm:"column:name"`
	Cans    string `gorm:"column:cans"`
}

type profile struct {
	UserID            int64  `gorm:"column:userid;primaryKey;autoIncrement:false"`
	SecondaryGroupIDs string `gorm:"column:secondary_groupids"`
}

type topic struct {
	TopicID     int64  `gorm:"column:topicid;primaryKey"`
	FirstPostID int64  `gorm:"column:first_postid"`
	Status      Status `gorm:"column:status"`
}

type post struct {
	PostID  int64  `gorm:"column:postid;primaryKey"`
	TopicID int64  `gorm:"column:topicid;index"`
	Status  Status `gorm:"column:status"`
}

type subscribe struct {
	SubID  int64  `gorm:"column:subid;primaryKey"`
	ItemID int64  `gorm:"column:itemid;index"`
	Type   string `gorm:"column:type"`
}

// GormConfig returns the gorm configuration mapping the models onto tables
// named with prefix (usergroups, profiles, topics, posts, subscribes).
func GormConfig(prefix string) *gorm.Config {
	return &gorm.Config{
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
		Logger:         logger.Default.LogMode(logger.Warn),
	}
}

// Store reads and writes the forum's tables.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open gorm handle configured with GormConfig.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the forum's PostgreSQL database, retrying while it comes
// up.
func Open(dsn, prefix string) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), GormConfig(prefix))
		if err == nil {
			break
		}
		log.Printf("[forum] database connect attempt %d failed: %v", attempt, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("forum: connect: %w", err)
	}
	log.Printf("[forum] database connected (table prefix %q)", prefix)
	return NewStore(db), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindGroup returns the id of the first usergroup whose name contains name,
// case-insensitively. ok is false when no group matches or name is blank.
func (s *Store) FindGroup(ctx context.Context, name string) (int64, bool, error) {
	if strings.TrimSpace(name) == "" {
		return 0, false, nil
	}
	var g usergroup
	err := s.db.WithContext(ctx).
		Where("LOWER(name) LIKE ? ESCAPE '!'", "%"+likeEscaper.Replace(strings.ToLower(name))+"%").
		Order("groupid ASC").
		Limit(1).
		Find(&g).Error
	if err != nil {
		return 0, false, fmt.Errorf("forum: find group %q: %w", name, err)
	}
	if g.GroupID == 0 {
		return 0, false, nil
	}
	return g.GroupID, true, nil
}

// likeEscaper makes a group name match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func parseGroupIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func formatGroupIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (s *Store) loadProfile(tx *gorm.DB, userID int64) (*profile, error) {
	var p profile
	err := tx.Where("userid = ?", userID).Limit(1).Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.UserID == 0 {
		return nil, nil
	}
	return &p, nil
}

// InSecondaryGroup reports whether userID holds groupID as a secondary group.
// A user without a profile is in no group.
func (s *Store) InSecondaryGroup(ctx context.Context, userID, groupID int64) (bool, error) {
	p, err := s.loadProfile(s.db.WithContext(ctx), userID)
	if err != nil {
		return false, fmt.Errorf("forum: load profile %d: %w", userID, err)
	}
	if p == nil {
		return false, nil
	}
	for _, id := range parseGroupIDs(p.SecondaryGroupIDs) {
		if id == groupID {
			return true, nil
		}
	}
	return false, nil
}

// AddSecondaryGroup appends groupID to userID's secondary groups. Adding a
// group the user already holds is a no-op.
func (s *Store) AddSecondaryGroup(ctx context.Context, userID, groupID int64) error {
	return s.updateSecondaryGroups(ctx, userID, func(ids []int64) ([]int64, bool) {
		for _, id := range ids {
			if id == groupID {
				return ids, false
			}
		}
		return append(ids, groupID), true
	})
}

// RemoveSecondaryGroup removes groupID from userID's secondary groups. It is
// not an error if the user does not hold it.
func (s *Store) RemoveSecondaryGroup(ctx context.Context, userID, groupID int64) error {
	err := s.updateSecondaryGroups(ctx, userID, func(ids []int64) ([]int64, bool) {
		out := ids[:0]
		for _, id := range ids {
			if id != groupID {
				out = append(out, id)
			}
		}
		return out, len(out) != len(ids)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) updateSecondaryGroups(ctx context.Context, userID int64, fn func([]int64) ([]int64, bool)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.loadProfile(tx, userID)
		if err != nil {
			return fmt.Errorf("forum: load profile %d: %w", userID, err)
		}
		if p == nil {
			return fmt.Errorf("%w: profile %d", ErrNotFound, userID)
		}
		ids, changed := fn(parseGroupIDs(p.SecondaryGroupIDs))
		if !changed {
			return nil
		}
		err = tx.Model(&profile{}).
			Where("userid = ?", userID).
			Update("secondary_groupids", formatGroupIDs(ids)).Error
		if err != nil {
			return fmt.Errorf("forum: update profile %d: %w", userID, err)
		}
		return nil
	})
}

// SetPostStatus sets a post's approval status.
func (s *Store) SetPostStatus(ctx context.Context, postID int64, status Status) error {
	err := s.db.WithContext(ctx).Model(&post{}).
		Where("postid = ?", postID).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("forum: set post %d status: %w", postID, err)
	}
	return nil
}

// SetTopicStatus sets a topic's approval status.
func (s *Store) SetTopicStatus(ctx context.Context, topicID int64, status Status) error {
	err := s.db.WithContext(ctx).Model(&topic{}).
		Where("topicid = ?", topicID).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("forum: set topic %d status: %w", topicID, err)
	}
	return nil
}

// FirstPostID returns the id of a topic's first post: the topic's
// first_postid, or its lowest post id when that is unset. ok is false when
// the topic has no posts.
func (s *Store) FirstPostID(ctx context.Context, topicID int64) (int64, bool, error) {
	var t topic
	if err := s.db.WithContext(ctx).Where("topicid = ?", topicID).Limit(1).Find(&t).Error; err != nil {
		return 0, false, fmt.Errorf("forum: load topic %d: %w", topicID, err)
	}
	if t.FirstPostID != 0 {
		return t.FirstPostID, true, nil
	}

	var p post
	err := s.db.WithContext(ctx).
		Where("topicid = ?", topicID).
		Order("postid ASC").
		Limit(1).
		Find(&p).Error
	if err != nil {
		return 0, false, fmt.Errorf("forum: first post of topic %d: %w", topicID, err)
	}
	return p.PostID, p.PostID != 0, nil
}

// DeleteUnapprovedPost deletes the post only if it still exists and is still
// unapproved. The check and the delete are one statement, so a post approved
// in the meantime is never removed. Reports whether a row was deleted.
func (s *Store) DeleteUnapprovedPost(ctx context.Context, postID int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("postid = ? AND status = ?", postID, StatusUnapproved).
		Delete(&post{})
	if res.Error != nil {
		return false, fmt.Errorf("forum: delete post %d: %w", postID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteUnapprovedTopic deletes a still-unapproved topic together with all of
// its posts and its topic subscriptions. An approved or missing topic is left
// alone. Reports whether the topic was deleted.
func (s *Store) DeleteUnapprovedTopic(ctx context.Context, topicID int64) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("topicid = ? AND status = ?", topicID, StatusUnapproved).Delete(&topic{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Where("topicid = ?", topicID).Delete(&post{}).Error; err != nil {
			return err
		}
		if err := tx.Where("itemid = ? AND type = ?", topicID, SubscriptionTypeTopic).Delete(&subscribe{}).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("forum: delete topic %d: %w", topicID, err)
	}
	return deleted, nil
}

// SetGroupCapability grants or revokes a capability on a usergroup. The
// group's capabilities are kept as a JSON object of name to 1.
func (s *Store) SetGroupCapability(ctx context.Context, groupID int64, capability string, allowed bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g usergroup
		if err := tx.Where("groupid = ?", groupID).Limit(1).Find(&g).Error; err != nil {
			return fmt.Errorf("forum: load group %d: %w", groupID, err)
		}
		if g.GroupID == 0 {
			return fmt.Errorf("%w: group %d", ErrNotFound, groupID)
		}

		cans := map[string]int{}
		if strings.TrimSpace(g.Cans) != "" {
			if err := json.Unmarshal([]byte(g.Cans), &cans); err != nil {
				return fmt.Errorf("forum: group %d capabilities: %w", groupID, err)
			}
		}
		if allowed {
			cans[capability] = 1
		} else {
			delete(cans, capability)
		}

		raw, err := json.Marshal(cans)
		if err != nil {
			return fmt.Errorf("forum: group %d capabilities: %w", groupID, err)
		}
		if err := tx.Model(&usergroup{}).Where("groupid = ?", groupID).Update("cans", string(raw)).Error; err != nil {
			return fmt.Errorf("forum: update group %d: %w", groupID, err)
		}
		return nil
	})
}

// GroupHasCapability reports whether a usergroup holds capability.
func (s *Store) GroupHasCapability(ctx context.Context, groupID int64, capability string) (bool, error) {
	var g usergroup
	if err := s.db.WithContext(ctx).Where("groupid = ?", groupID).Limit(1).Find(&g).Error; err != nil {
		return false, fmt.Errorf("forum: load group %d: %w", groupID, err)
	}
	if g.GroupID == 0 {
		return false, fmt.Errorf("%w: group %d", ErrNotFound, groupID)
	}
	if strings.TrimSpace(g.Cans) == "" {
		return false, nil
	}
	cans := map[string]int{}
	if err := json.Unmarshal([]byte(g.Cans), &cans); err != nil {
		return false, fmt.Errorf("forum: group %d capabilities: %w", groupID, err)
	}
	return cans[capability] != 0, nil
}
