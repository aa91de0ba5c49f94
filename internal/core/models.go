package core

import (
	"time"
)

type CampaignStatus string

const (
	CampaignDraft              CampaignStatus = "DRAFT"
	CampaignScheduled          CampaignStatus = "SCHEDULED"
	CampaignGeneratingMessages CampaignStatus = "GENERATING_MESSAGES"
	CampaignRunning            CampaignStatus = "RUNNING"
	CampaignPaused             CampaignStatus = "PAUSED"
	CampaignCompleted          CampaignStatus = "COMPLETED"
	CampaignCancelled          CampaignStatus = "CANCELLED"
	CampaignFailed             CampaignStatus = "FAILED"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignFailed
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether the job still counts against campaign completion.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobProcessing || s == JobRetrying
}

type EmailStatus string

const (
	EmailPending   EmailStatus = "pending"
	EmailSent      EmailStatus = "sent"
	EmailDelivered EmailStatus = "delivered"
	EmailOpened    EmailStatus = "opened"
	EmailReplied   EmailStatus = "replied"
	EmailFailed    EmailStatus = "failed"
	EmailBounced   EmailStatus = "bounced"
)

type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
)

// Pacing is the minimum spacing between two sends of one campaign.
type Pacing struct {
	Interval int          `json:"interval"`
	Unit     IntervalUnit `json:"interval_unit"`
}

// Duration converts the configured interval; unknown units are treated as seconds.
func (p Pacing) Duration() time.Duration {
	if p.Interval <= 0 {
		return 0
	}
	n := time.Duration(p.Interval)
	switch p.Unit {
	case UnitMinutes:
		return n * time.Minute
	case UnitHours:
		return n * time.Hour
	default:
		return n * time.Second
	}
}

type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Recipient struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
}

type Campaign struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	BotID          string         `json:"bot_id"`
	Name           string         `json:"name"`
	Message        *Message       `json:"message,omitempty"`
	Recipients     []Recipient    `json:"recipients"`
	Pacing         Pacing         `json:"pacing"`
	Status         CampaignStatus `json:"status"`
	TotalEmails    int            `json:"total_emails"`
	SentCount      int            `json:"sent_count"`
	FailedCount    int            `json:"failed_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	PausedAt       *time.Time     `json:"paused_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
	LastDispatchAt *time.Time     `json:"last_dispatch_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Job struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	Seq          int        `json:"seq"`
	Recipient    Recipient  `json:"recipient"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentEmailID  string     `json:"sent_email_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type SentEmail struct {
	ID                string      `json:"id"`
	CampaignID        string      `json:"campaign_id"`
	BotID             string      `json:"bot_id"`
	RecipientEmail    string      `json:"recipient_email"`
	Subject           string      `json:"subject"`
	Status            EmailStatus `json:"status"`
	ProviderMessageID *string     `json:"provider_message_id,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	OpenCount         int         `json:"open_count"`
	SentAt            *time.Time  `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time  `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time  `json:"opened_at,omitempty"`
	RepliedAt         *time.Time  `json:"replied_at,omitempty"`
	FailedAt          *time.Time  `json:"failed_at,omitempty"`
	BouncedAt         *time.Time  `json:"bounced_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type Bot struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Name             string      `json:"name"`
	FromEmail        string      `json:"from_email"`
	Credentials      Credentials `json:"credentials"`
	SubscriptionTier string      `json:"subscription_tier"`
	IsActive         bool        `json:"is_active"`
	DailyEmailCount  int         `json:"daily_email_count"`
	LastEmailSentAt  *time.Time  `json:"last_email_sent_at,omitempty"`
}
