// Package bookmarks defines core types shared across subsystems.
package bookmarks

import (
	"time"
)

// LogStatus classifies the outcome of one scrape attempt.
type LogStatus string

// Log status values persisted in scraping_logs.
const (
	LogStatusSuccess LogStatus = "SUCCESS"
	LogStatusFailed  LogStatus = "FAILED"
	LogStatusError   LogStatus = "ERROR"
)

// TaskStatus represents the lifecycle state of an asynchronous scrape task.
type TaskStatus string

// Task status values exposed to status polling.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// PlaceholderTitle is stored when a scrape finds no title.
const PlaceholderTitle = "Unknown Title"

// SupportedSite identifies a scrapeable domain. Rows are registered lazily on
// the first successful resolution of a new domain and never deleted.
type SupportedSite struct {
	ID        int64     `json:"-"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Scraper   string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"-"`
}

// Bookmark is a user's saved reference to one manga page. URL always holds the
// canonical form; (UserID, URL) is unique.
type Bookmark struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"-"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	ThumbnailPath string    `json:"thumbnail,omitempty"`
	ThumbnailURL  string    `json:"thumbnail_url,omitempty"`
	SiteID        int64     `json:"-"`
	SiteName      string    `json:"site_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ScrapingLog is an immutable audit record of one scrape attempt. BookmarkID is
// empty when the attempt failed before a bookmark could be resolved.
type ScrapingLog struct {
	ID         int64     `json:"id"`
	BookmarkID string    `json:"bookmark_id,omitempty"`
	URL        string    `json:"url"`
	Status     LogStatus `json:"status"`
	ErrorText  string    `json:"error_message,omitempty"`
	Duration   float64   `json:"scraping_duration"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskItem is the unit of asynchronous work dequeued by a worker. BookmarkID is
// empty on the create path and set on the refresh path.
type TaskItem struct {
	TaskID     string
	UserID     int64
	URL        string
	BookmarkID string
	Submitted  int64
}

// Outcome is the terminal result of one task execution.
type Outcome struct {
	Success    bool   `json:"success"`
	BookmarkID string `json:"bookmark_id,omitempty"`
	StoredURL  string `json:"stored_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Task tracks the lifecycle of a submitted scrape for status polling.
type Task struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"-"`
	Status    TaskStatus `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	Outcome   *Outcome   `json:"outcome,omitempty"`
}
