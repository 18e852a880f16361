package models

import "time"

// PlanOverallStatus is the single display-facing state derived from a plan.
type PlanOverallStatus string

const (
	PlanStatusPendingApproval PlanOverallStatus = "PENDING_APPROVAL"
	PlanStatusDownPaymentDue  PlanOverallStatus = "DOWN_PAYMENT_DUE"
	PlanStatusActive          PlanOverallStatus = "ACTIVE"
	PlanStatusOverdue         PlanOverallStatus = "OVERDUE"
	PlanStatusCompleted       PlanOverallStatus = "COMPLETED"
)

// PayableWindowDays is how far ahead of its due date a line item may be paid.
const PayableWindowDays = 7

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// OverallStatus derives the plan status shown to students and used in reports.
// Rules are evaluated in order; Overdue needs an unpaid item due before today.
func OverallStatus(plan *InstallmentPlan, now time.Time) PlanOverallStatus {
	if plan == nil || !plan.AdminApproved {
		return PlanStatusPendingApproval
	}
	if !plan.DownPaymentPaid {
		return PlanStatusDownPaymentDue
	}
	today := DateOnly(now)
	allApproved := true
	overdue := false
	for _, item := range plan.Schedule {
		if item.Status == InstallmentStatusApproved {
			continue
		}
		allApproved = false
		if item.Status.Unpaid() && DateOnly(item.DueDate).Before(today) {
			overdue = true
		}
	}
	switch {
	case allApproved:
		return PlanStatusCompleted
	case overdue:
		return PlanStatusOverdue
	default:
		return PlanStatusActive
	}
}

// CanPayPlan reports whether the plan's schedule accepts payments.
func CanPayPlan(plan *InstallmentPlan) bool {
	return plan != nil && plan.AdminApproved && plan.DownPaymentPaid
}

// CanPayItem reports whether a line item may be paid now. Items become payable
// seven days before their due date; there is no late cutoff.
func CanPayItem(plan *InstallmentPlan, item InstallmentItem, now time.Time) bool {
	if !CanPayPlan(plan) || !item.Status.Unpaid() {
		return false
	}
	limit := DateOnly(now).AddDate(0, 0, PayableWindowDays)
	return !DateOnly(item.DueDate).After(limit)
}

// NextPayableItem returns the lowest-numbered line item that can be paid now.
func NextPayableItem(plan *InstallmentPlan, now time.Time) *InstallmentItem {
	if !CanPayPlan(plan) {
		return nil
	}
	var next *InstallmentItem
	for i := range plan.Schedule {
		item := plan.Schedule[i]
		if !CanPayItem(plan, item, now) {
			continue
		}
		if next == nil || item.InstallmentNumber < next.InstallmentNumber {
			candidate := item
			next = &candidate
		}
	}
	return next
}

// InstallmentPlanView decorates a plan with derived, client-facing fields.
type InstallmentPlanView struct {
	*InstallmentPlan
	OverallStatus          PlanOverallStatus `json:"overallStatus"`
	CanPay                 bool              `json:"canPay"`
	NextPayableInstallment *int              `json:"nextPayableInstallment,omitempty"`
}

// NewInstallmentPlanView derives the view for the given instant.
func NewInstallmentPlanView(plan *InstallmentPlan, now time.Time) InstallmentPlanView {
	view := InstallmentPlanView{
		InstallmentPlan: plan,
		OverallStatus:   OverallStatus(plan, now),
		CanPay:          CanPayPlan(plan),
	}
	if next := NextPayableItem(plan, now); next != nil {
		number := next.InstallmentNumber
		view.NextPayableInstallment = &number
	}
	return view
}
