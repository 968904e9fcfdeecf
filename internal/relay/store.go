package relay

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrCallNotFound      = errors.New("call not found")
	ErrInsufficientCoins = errors.New("insufficient coins")
)

// Store wraps the relay database. All methods are safe for concurrent use.
type Store struct {
	db *gorm.DB
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&User{},
		&Wallet{},
		&CallRecord{},
		&PushSubscription{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetUser(userID string) (*User, error) {
	var user User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	var user User
	if err := s.db.First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// EnsureUser finds or creates a user by username and guarantees a wallet row
// exists for it.
func (s *Store) EnsureUser(username string) (*User, error) {
	var user User
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, "username = ?", username).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			user = User{Username: username, DisplayName: username}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
		}
		var wallet Wallet
		if err := tx.First(&wallet, "user_id = ?", user.ID).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Create(&Wallet{UserID: user.ID}).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) WalletCoins(userID string) (int64, error) {
	var wallet Wallet
	if err := s.db.First(&wallet, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return wallet.Coins, nil
}

// Credit tops up a wallet, creating it when missing.
func (s *Store) Credit(userID string, coins int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var wallet Wallet
		if err := tx.First(&wallet, "user_id = ?", userID).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Create(&Wallet{UserID: userID, Coins: coins}).Error
		}
		wallet.Coins += coins
		return tx.Save(&wallet).Error
	})
}

// Debit removes coins from a wallet, clamping at zero rather than failing:
// the call already happened, the wallet just runs dry.
func (s *Store) Debit(userID string, coins int64) (charged int64, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		charged, err = debitTx(tx, userID, coins)
		return err
	})
	return charged, err
}

func debitTx(tx *gorm.DB, userID string, coins int64) (int64, error) {
	var wallet Wallet
	if err := tx.First(&wallet, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	charged := coins
	if charged > wallet.Coins {
		charged = wallet.Coins
	}
	wallet.Coins -= charged
	return charged, tx.Save(&wallet).Error
}

// CreateCall inserts a fresh call record with a generated room name.
func (s *Store) CreateCall(callerID, calleeID, kind string) (*CallRecord, error) {
	id, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}
	room, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}

	record := &CallRecord{
		ID:       id,
		CallerID: callerID,
		CalleeID: calleeID,
		Kind:     kind,
		Status:   CallStatusInitiated,
		Room:     "call-" + room,
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) GetCall(callID string) (*CallRecord, error) {
	var record CallRecord
	if err := s.db.First(&record, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FinishCall records the terminal status and duration of a call. Only a
// record still in the initiated state is updated, so the first report wins
// and a duplicate is a no-op. A completed call debits the caller's wallet by
// cost in the same transaction, so concurrent reports cannot charge twice.
func (s *Store) FinishCall(callID string, status CallStatus, durationSeconds, cost int64) (*CallRecord, error) {
	var record CallRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, "id = ?", callID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCallNotFound
			}
			return err
		}
		if record.Status != CallStatusInitiated {
			return nil
		}
		record.Status = status
		record.DurationSeconds = durationSeconds
		if status == CallStatusCompleted && cost > 0 {
			charged, err := debitTx(tx, record.CallerID, cost)
			if err != nil {
				return err
			}
			record.CoinsCharged = charged
		}
		return tx.Save(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CallHistory lists the most recent calls a user participated in.
func (s *Store) CallHistory(userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var records []CallRecord
	err := s.db.
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ReplaceSubscription keeps at most one push subscription per user.
func (s *Store) ReplaceSubscription(userID, endpoint, p256dh, auth string) (*PushSubscription, error) {
	sub := &PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&PushSubscription{}).Error; err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Store) Subscriptions(userID string) ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (s *Store) DeleteSubscription(userID, endpoint string) error {
	result := s.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).Delete(&PushSubscription{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) DeleteSubscriptionByID(id string) {
	s.db.Delete(&PushSubscription{}, "id = ?", id)
}
