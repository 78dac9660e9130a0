package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-form-autofill/models"
)

// ISODateLayout is the calendar format the host uses for dates.
const ISODateLayout = "2006-01-02"

// DisplayDateLayout is the day-first format the entry form expects.
const DisplayDateLayout = "02-01-2006"

// ParseItems splits free text into items: one per line, commas and semicolons
// also separate. Blank entries are dropped and duplicates keep their first position.
func ParseItems(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})

	seen := make(map[string]struct{}, len(fields))
	items := make([]string, 0, len(fields))
	for _, field := range fields {
		item := NormalizeItem(field)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		items = append(items, item)
	}
	return items
}

// NormalizeItem trims surrounding whitespace and a UTF-8 byte order mark.
func NormalizeItem(item string) string {
	item = strings.TrimPrefix(item, "\ufeff")
	return strings.TrimSpace(item)
}

// ValidateItem ensures an item can be typed into the search field.
func ValidateItem(item string) error {
	if NormalizeItem(item) == "" {
		return fmt.Errorf("item is empty")
	}
	if item != NormalizeItem(item) {
		return fmt.Errorf("item %q has surrounding whitespace", item)
	}
	if strings.ContainsAny(item, "\r\n\t") {
		return fmt.Errorf("item %q contains control characters", item)
	}
	return nil
}

// ValidateISODate checks that date is a real YYYY-MM-DD calendar date.
func ValidateISODate(date string) error {
	if _, err := time.Parse(ISODateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD", date)
	}
	return nil
}

// FormatDisplayDate converts an ISO date to the given layout, DisplayDateLayout when empty.
func FormatDisplayDate(isoDate, layout string) (string, error) {
	parsed, err := time.Parse(ISODateLayout, strings.TrimSpace(isoDate))
	if err != nil {
		return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", isoDate)
	}
	if layout == "" {
		layout = DisplayDateLayout
	}
	return parsed.Format(layout), nil
}

// ParseDateGoal parses "YYYY-MM-DD" or "YYYY-MM-DD=N". A missing goal is reported as -1
// so the caller can fall back to the item count.
func ParseDateGoal(value string) (models.DateGoal, error) {
	value = strings.TrimSpace(value)
	date, goalText, hasGoal := strings.Cut(value, "=")
	date = strings.TrimSpace(date)
	if err := ValidateISODate(date); err != nil {
		return models.DateGoal{}, err
	}
	if !hasGoal {
		return models.DateGoal{Date: date, Goal: -1}, nil
	}

	goal, err := strconv.Atoi(strings.TrimSpace(goalText))
	if err != nil {
		return models.DateGoal{}, fmt.Errorf("invalid goal for %s: %w", date, err)
	}
	if goal < 0 {
		return models.DateGoal{}, fmt.Errorf("goal for %s cannot be negative", date)
	}
	return models.DateGoal{Date: date, Goal: goal}, nil
}

// ParseDateGoals parses a list of date=goal values, rejecting repeated dates.
func ParseDateGoals(values []string, itemCount int) ([]models.DateGoal, error) {
	seen := make(map[string]struct{}, len(values))
	goals := make([]models.DateGoal, 0, len(values))
	for _, value := range values {
		goal, err := ParseDateGoal(value)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[goal.Date]; ok {
			return nil, fmt.Errorf("date %s listed twice", goal.Date)
		}
		seen[goal.Date] = struct{}{}
		if goal.Goal < 0 {
			goal.Goal = itemCount
		}
		goals = append(goals, goal)
	}
	return goals, nil
}

// ProgressPercentage returns done/total as a rounded percentage, 0 when total is 0.
func ProgressPercentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
