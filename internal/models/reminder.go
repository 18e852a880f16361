package models

import "time"

// ReminderRunResult summarises one reminder scan.
type ReminderRunResult struct {
	RunAt         time.Time        `json:"runAt"`
	WindowStart   time.Time        `json:"windowStart"`
	WindowEnd     time.Time        `json:"windowEnd"`
	OverdueMarked int64            `json:"overdueMarked"`
	RemindersSent int              `json:"remindersSent"`
	Failed        int              `json:"failed"`
	Items         []DueInstallment `json:"items"`
}
