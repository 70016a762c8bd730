package model

import (
	"time"

	"github.com/google/uuid"
)

// WindowCounts buckets a count into rolling windows ending at the snapshot time.
type WindowCounts struct {
	Today      int64 `json:"today"`
	Last7Days  int64 `json:"last7Days"`
	Last30Days int64 `json:"last30Days"`
	AllTime    int64 `json:"allTime"`
}

// Add counts an event at t into every window that contains it.
func (w *WindowCounts) Add(t time.Time, win Windows) {
	w.AllTime++
	if !t.Before(win.Last30Days) {
		w.Last30Days++
	}
	if !t.Before(win.Last7Days) {
		w.Last7Days++
	}
	if !t.Before(win.Today) {
		w.Today++
	}
}

// Windows holds the lower bounds of each rolling window for one snapshot.
type Windows struct {
	Now        time.Time
	Today      time.Time
	Last7Days  time.Time
	Last30Days time.Time
}

// WindowsAt derives the window bounds from now (UTC).
func WindowsAt(now time.Time) Windows {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Windows{
		Now:        now,
		Today:      midnight,
		Last7Days:  now.Add(-7 * 24 * time.Hour),
		Last30Days: now.Add(-30 * 24 * time.Hour),
	}
}

// StatisticsSnapshot is a read-only projection computed at query time.
type StatisticsSnapshot struct {
	ServiceAgreementID    uuid.UUID    `json:"serviceAgreementId"`
	GeneratedAt           time.Time    `json:"generatedAt"`
	SealsStored           WindowCounts `json:"sealsStored"`
	CertificatesIssued    WindowCounts `json:"certificatesIssued"`
	APICalls              WindowCounts `json:"apiCalls"`
	ConfirmedBalance      Tokens       `json:"confirmedBalance"`
	PendingBalance        Tokens       `json:"pendingBalance"`
	SealsPendingAnchoring int64        `json:"sealsPendingAnchoring"`
	SealsAnchoringFailed  int64        `json:"sealsAnchoringFailed"`
	DraftCertificates     int64        `json:"draftCertificates"`
}
