package relay

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username    string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	DisplayName string    `gorm:"type:varchar(100)" json:"display_name"`
	AvatarURL   string    `gorm:"type:text" json:"avatar_url,omitempty"`
	// IsHost marks users whose time is billed; calling a host debits the
	// caller's wallet and can trigger the post-call rating prompt.
	IsHost    bool      `gorm:"default:false" json:"is_host"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

type Wallet struct {
	UserID    string    `gorm:"type:varchar(36);primaryKey" json:"user_id"`
	Coins     int64     `gorm:"not null;default:0" json:"coins"`
	UpdatedAt time.Time `json:"updated_at"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

// CallStatus is the stored lifecycle state of a call record. Values are part
// of the public API, keep them stable.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusCompleted CallStatus = "completed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
)

type CallRecord struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"call_id"`
	CallerID        string     `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	CalleeID        string     `gorm:"type:varchar(36);not null;index" json:"callee_id"`
	Kind            string     `gorm:"type:varchar(10);not null" json:"kind"`
	Status          CallStatus `gorm:"type:varchar(20);not null" json:"status"`
	Room            string     `gorm:"type:varchar(64);not null" json:"room"`
	DurationSeconds int64      `json:"duration_seconds"`
	CoinsCharged    int64      `json:"coins_charged"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
