package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planWithSchedule(now time.Time, offsets ...int) *InstallmentPlan {
	plan := &InstallmentPlan{ID: "plan-1", TotalInstallments: len(offsets)}
	for i, offset := range offsets {
		plan.Schedule = append(plan.Schedule, InstallmentItem{
			InstallmentNumber: i + 1,
			Amount:            decimal.NewFromInt(1000),
			DueDate:           DateOnly(now).AddDate(0, 0, offset),
			Status:            InstallmentStatusPending,
		})
	}
	return plan
}

func TestOverallStatusProgression(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	plan := planWithSchedule(now, 5, 35)

	assert.Equal(t, PlanStatusPendingApproval, OverallStatus(plan, now))

	plan.AdminApproved = true
	assert.Equal(t, PlanStatusDownPaymentDue, OverallStatus(plan, now))

	plan.DownPaymentPaid = true
	assert.Equal(t, PlanStatusActive, OverallStatus(plan, now))

	plan.Schedule[0].Status = InstallmentStatusApproved
	assert.Equal(t, PlanStatusActive, OverallStatus(plan, now))

	plan.Schedule[1].Status = InstallmentStatusApproved
	assert.Equal(t, PlanStatusCompleted, OverallStatus(plan, now))
}

func TestOverallStatusOverdue(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	plan := planWithSchedule(now, -1, 30)
	plan.AdminApproved = true
	plan.DownPaymentPaid = true
	assert.Equal(t, PlanStatusOverdue, OverallStatus(plan, now))

	plan.Schedule[0].Status = InstallmentStatusOverdue
	assert.Equal(t, PlanStatusOverdue, OverallStatus(plan, now))

	// due today is not overdue yet
	plan = planWithSchedule(now, 0)
	plan.AdminApproved = true
	plan.DownPaymentPaid = true
	assert.Equal(t, PlanStatusActive, OverallStatus(plan, now))
}

func TestOverallStatusNeverOverdueWithoutUnpaidItems(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	plan := planWithSchedule(now, -60, -30)
	plan.AdminApproved = true
	plan.DownPaymentPaid = true
	for i := range plan.Schedule {
		plan.Schedule[i].Status = InstallmentStatusApproved
	}
	assert.Equal(t, PlanStatusCompleted, OverallStatus(plan, now))
}

func TestCanPayItemWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	plan := planWithSchedule(now, -3, 0, 7, 8)

	assert.False(t, CanPayItem(plan, plan.Schedule[1], now), "plan not approved")
	plan.AdminApproved = true
	assert.False(t, CanPayItem(plan, plan.Schedule[1], now), "down payment outstanding")
	plan.DownPaymentPaid = true

	assert.True(t, CanPayItem(plan, plan.Schedule[0], now), "overdue items stay payable")
	assert.True(t, CanPayItem(plan, plan.Schedule[1], now))
	assert.True(t, CanPayItem(plan, plan.Schedule[2], now))
	assert.False(t, CanPayItem(plan, plan.Schedule[3], now), "too early")

	plan.Schedule[1].Status = InstallmentStatusApproved
	assert.False(t, CanPayItem(plan, plan.Schedule[1], now))
}

func TestNextPayableItemAndView(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	plan := planWithSchedule(now, 2, 32)
	plan.AdminApproved = true

	view := NewInstallmentPlanView(plan, now)
	assert.Equal(t, PlanStatusDownPaymentDue, view.OverallStatus)
	assert.False(t, view.CanPay)
	assert.Nil(t, view.NextPayableInstallment)

	plan.DownPaymentPaid = true
	view = NewInstallmentPlanView(plan, now)
	require.NotNil(t, view.NextPayableInstallment)
	assert.Equal(t, 1, *view.NextPayableInstallment)
	assert.True(t, view.CanPay)

	plan.Schedule[0].Status = InstallmentStatusApproved
	assert.Nil(t, NextPayableItem(plan, now))
}
