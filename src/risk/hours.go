package risk

import "time"

const (
	DaysPerWeek          = 7
	OffsetDaysForNewYear = 1
	NewYearDay           = 1
	ThirdMondayOffset    = 2
	FourthThursdayOffset = 3

	marketOpenHour    = 9
	marketOpenMinute  = 30
	marketCloseHour   = 16
	marketCloseMinute = 0
)

// MarketOpen reports whether the US options market is in its regular session:
// weekdays 09:30 to 16:00 Eastern, excluding exchange holidays. Early-close
// half days are treated as full sessions.
func MarketOpen(now time.Time) bool {
	et := getEasternTime(now)

	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if isHoliday(et) {
		return false
	}

	minuteOfDay := et.Hour()*60 + et.Minute()
	open := marketOpenHour*60 + marketOpenMinute
	close := marketCloseHour*60 + marketCloseMinute
	return minuteOfDay >= open && minuteOfDay < close
}

func getEasternTime(t time.Time) time.Time {
	nyLocation, err := time.LoadLocation("America/New_York")
	if err != nil {
		return t.UTC()
	}
	return t.In(nyLocation)
}

func isHoliday(t time.Time) bool {
	year := t.Year()

	// Calculate New Year's Day, adjusted for being on a Sunday
	newYearsDay := time.Date(year, time.January, NewYearDay, 0, 0, 0, 0, time.UTC)
	if newYearsDay.Weekday() == time.Sunday {
		newYearsDay = newYearsDay.AddDate(0, 0, OffsetDaysForNewYear)
	}

	// Martin Luther King Jr. Day and Presidents' Day calculation
	mlkDay := calculateSpecificMonday(year, time.January, ThirdMondayOffset)
	presidentsDay := calculateSpecificMonday(year, time.February, ThirdMondayOffset)

	// Memorial Day
	memorialDay := time.Date(year, time.May, 31, 0, 0, 0, 0, time.UTC)
	for memorialDay.Weekday() != time.Monday {
		memorialDay = memorialDay.AddDate(0, 0, -1)
	}

	// Independence Day
	independenceDay := time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)
	if independenceDay.Weekday() == time.Sunday {
		independenceDay = independenceDay.AddDate(0, 0, OffsetDaysForNewYear)
	}

	// Labor Day
	laborDay := calculateSpecificMonday(year, time.September, 0)

	// Thanksgiving Day
	thanksgivingDay := calculateSpecificThursday(year, time.November, FourthThursdayOffset)

	// Christmas Day
	christmasDay := time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)
	if christmasDay.Weekday() == time.Sunday {
		christmasDay = christmasDay.AddDate(0, 0, OffsetDaysForNewYear)
	}

	holidays := []time.Time{
		newYearsDay,
		mlkDay,
		presidentsDay,
		memorialDay,
		independenceDay,
		laborDay,
		thanksgivingDay,
		christmasDay,
	}
	return isDateAmong(t, holidays)
}

// calculateSpecificMonday calculates the specific Monday of a month (like the third Monday).
func calculateSpecificMonday(year int, month time.Month, mondayOffset int) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(time.Monday-firstOfMonth.Weekday()+DaysPerWeek) % DaysPerWeek
	return firstOfMonth.AddDate(0, 0, offset+mondayOffset*DaysPerWeek)
}

// calculateSpecificThursday calculates the specific Thursday of a month (like the fourth Thursday).
func calculateSpecificThursday(year int, month time.Month, thursdayOffset int) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(time.Thursday-firstOfMonth.Weekday()+DaysPerWeek) % DaysPerWeek
	return firstOfMonth.AddDate(0, 0, offset+thursdayOffset*DaysPerWeek)
}

// isDateAmong checks if the given date matches any date in the list.
func isDateAmong(t time.Time, dates []time.Time) bool {
	for _, d := range dates {
		if t.Format("2006-01-02") == d.Format("2006-01-02") {
			return true
		}
	}
	return false
}
