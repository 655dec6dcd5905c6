package reminder

import (
	"html"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/model"
)

const deadlineLayout = "15:04 02.01.2006"

func kindHeader(k model.Kind) string {
	switch k {
	case model.KindDeadline:
		return "Deadline reached"
	case model.KindOverdue:
		return "Overdue"
	}
	return "Reminder"
}

// RenderMessage builds the Telegram HTML text of a reminder. The deadline
// line is omitted when due is nil.
func RenderMessage(kind model.Kind, taskID int64, description string, due *time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(kindHeader(kind))
	b.WriteString("</b>: task #")
	b.WriteString(strconv.FormatInt(taskID, 10))
	b.WriteString("\nDescription: ")
	b.WriteString(html.EscapeString(strings.TrimSpace(description)))
	if due != nil && !due.IsZero() {
		b.WriteString("\nDeadline: ")
		b.WriteString(due.In(loc).Format(deadlineLayout))
	}
	return b.String()
}
