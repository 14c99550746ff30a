package email

import (
	"fmt"
	"strings"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

const (
	companyColor = "#d4edda"
	subjectColor = "#ffe5b4"
	dateColor    = "#d0e8f2"
)

func formatReportBody(rep *notifier.Report) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("</head>\n<body style=\"font-family: Arial, sans-serif; color: #333;\">\n")

	// Inline styles only: Gmail strips <style> blocks in many clients
	b.WriteString("<h2 style=\"color: #2e6c80;\">New Net Distribution Details:</h2>\n")
	b.WriteString("<table border=\"1\" cellpadding=\"5\" cellspacing=\"0\" style=\"border-collapse: collapse; font-family: Arial;\">\n")
	b.WriteString("<tr style=\"background-color: #f2f2f2;\">\n")
	b.WriteString(fmt.Sprintf("<th style=\"background-color: %s;\">Company</th>\n", companyColor))
	b.WriteString(fmt.Sprintf("<th style=\"background-color: %s;\">Subject (Link)</th>\n", subjectColor))
	b.WriteString(fmt.Sprintf("<th style=\"background-color: %s;\">Date</th>\n", dateColor))
	b.WriteString("<th>Net Distribution</th>\n")
	b.WriteString("</tr>\n")

	for _, row := range rep.Rows {
		b.WriteString("<tr>\n")
		b.WriteString(fmt.Sprintf("<td style=\"background-color: %s;\">%s</td>\n", companyColor, escapeHTML(row.Issuer)))
		b.WriteString(fmt.Sprintf("<td style=\"background-color: %s;\"><a href=\"%s\" target=\"_blank\">%s</a></td>\n",
			subjectColor, escapeHTML(row.Link), escapeHTML(subjectOrPlaceholder(row.Subject))))
		b.WriteString(fmt.Sprintf("<td style=\"background-color: %s;\">%s</td>\n", dateColor, escapeHTML(row.Date)))
		b.WriteString(fmt.Sprintf("<td style=\"text-align: right;\">%s</td>\n", escapeHTML(row.Value)))
		b.WriteString("</tr>\n")
	}

	if len(rep.Rows) > 1 {
		b.WriteString("<tr>\n")
		b.WriteString("<td colspan=\"3\" style=\"text-align: right; font-weight: bold;\">Total</td>\n")
		b.WriteString(fmt.Sprintf("<td style=\"text-align: right; font-weight: bold;\">%s</td>\n", escapeHTML(rep.Total.StringFixed(2))))
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")

	if !rep.GeneratedAt.IsZero() {
		b.WriteString(fmt.Sprintf("<p style=\"color: #7f8c8d; font-size: 0.9em;\">Generated %s</p>\n",
			escapeHTML(rep.GeneratedAt.Format("02-Jan-2006 03:04 PM MST"))))
	}

	b.WriteString("</body>\n</html>")

	return b.String()
}

func subjectOrPlaceholder(subject string) string {
	if strings.TrimSpace(subject) == "" {
		return "(no subject)"
	}
	return subject
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
