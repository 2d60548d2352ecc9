package workflow

import (
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleType string

const (
	HourlySchedule  ScheduleType = "hourly"
	DailySchedule   ScheduleType = "daily"
	WeeklySchedule  ScheduleType = "weekly"
	MonthlySchedule ScheduleType = "monthly"
	CustomSchedule  ScheduleType = "custom"
)

// Schedule decides whether a workflow's next run is due. The workflow owns
// one Schedule and stamps LastRun only after a fully successful run.
//
// Hour and Minute select the time of day for daily, weekly and monthly
// schedules. DayOfWeek is 0-6 counting from Monday; DayOfMonth is 1-31,
// clamped to 28 so every month qualifies.
type Schedule struct {
	Type       ScheduleType
	Hour       int
	Minute     int
	DayOfWeek  int
	DayOfMonth int
	LastRun    *time.Time

	cronSched cron.Schedule
}

// NewCronSchedule builds a CUSTOM schedule from a standard 5-field cron
// expression.
func NewCronSchedule(expr string) (*Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return &Schedule{Type: CustomSchedule, cronSched: sched}, nil
}

// ShouldRun reports whether the schedule is due at now. A schedule that has
// never run is always due. A CUSTOM schedule without a cron expression never
// fires on its own; the caller is expected to drive it externally.
func (s *Schedule) ShouldRun(now time.Time) bool {
	if s.LastRun == nil {
		return true
	}
	last := *s.LastRun

	switch s.Type {
	case HourlySchedule:
		return !now.Before(last.Add(time.Hour))
	case DailySchedule:
		next := s.atTimeOfDay(last.AddDate(0, 0, 1))
		return !now.Before(next)
	case WeeklySchedule:
		daysAhead := s.DayOfWeek - mondayWeekday(last)
		if daysAhead <= 0 {
			daysAhead += 7
		}
		next := s.atTimeOfDay(last.AddDate(0, 0, daysAhead))
		return !now.Before(next)
	case MonthlySchedule:
		day := s.DayOfMonth
		if day < 1 {
			day = 1
		}
		if day > 28 {
			day = 28
		}
		next := time.Date(last.Year(), last.Month()+1, day, s.Hour, s.Minute, 0, 0, last.Location())
		return !now.Before(next)
	case CustomSchedule:
		if s.cronSched != nil {
			return !now.Before(s.cronSched.Next(last))
		}
		return false
	}
	return false
}

// atTimeOfDay keeps the date of t and replaces the time with Hour:Minute.
func (s *Schedule) atTimeOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
}

// mondayWeekday maps time.Weekday (Sunday=0) onto the Monday=0 convention
// used by DayOfWeek.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
