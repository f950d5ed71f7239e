package repository

import (
	"context"

	"pulse/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FriendRepository serves the social graph from the friends table.
type FriendRepository struct {
	db *gorm.DB
}

func NewFriendRepository(db *gorm.DB) *FriendRepository {
	return &FriendRepository{db: db}
}

func (r *FriendRepository) Add(ctx context.Context, userID string, c models.Contact) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "friend_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"friend_email", "friend_handle"}),
	}).Create(&models.Friend{
		UserID:       userID,
		FriendID:     c.ID,
		FriendEmail:  c.Email,
		FriendHandle: c.Handle,
	}).Error
}

func (r *FriendRepository) Remove(ctx context.Context, userID, friendID string) error {
	return r.db.WithContext(ctx).Where("user_id = ? AND friend_id = ?", userID, friendID).Delete(&models.Friend{}).Error
}

// Related lists the contacts userID declared, oldest first.
func (r *FriendRepository) Related(ctx context.Context, userID string) ([]models.Contact, error) {
	var rows []models.Friend
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Contact, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Contact())
	}
	return out, nil
}

// RelatedBy returns the users that list userID as a contact (idx_friend_reverse).
func (r *FriendRepository) RelatedBy(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Friend{}).Where("friend_id = ?", userID).Pluck("user_id", &ids).Error
	return ids, err
}

// SetRelated replaces the user's whole contact list in one transaction.
func (r *FriendRepository) SetRelated(ctx context.Context, userID string, contacts []models.Contact) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Friend{}).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(contacts))
		rows := make([]models.Friend, 0, len(contacts))
		for _, c := range contacts {
			if c.ID == "" {
				continue
			}
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			rows = append(rows, models.Friend{UserID: userID, FriendID: c.ID, FriendEmail: c.Email, FriendHandle: c.Handle})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}
