package domain

import "time"

// QuotaGroup is a shared admission-control bucket referenced by accounts.
// Nil caps are unlimited.
type QuotaGroup struct {
	ID                int64
	Name              string
	MaxConcurrent     *int
	MaxPerDay         *int
	MaxPerMonth       *int
	CurrentConcurrent int
	CurrentDayCount   int
	CurrentMonthCount int
	DayWindowStart    *time.Time
	MonthWindowStart  *time.Time
	UpdatedAt         time.Time
}
