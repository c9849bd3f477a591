package logger

import (
	"encoding/json"
	"io"
	"regexp"
)

// Redacted replaces PII values in log output.
const Redacted = "[REDACTED]"

// piiKeys name fields whose string values are replaced wholesale.
var piiKeys = map[string]bool{
	"email":          true,
	"email_address":  true,
	"phone":          true,
	"phone_number":   true,
	"mobile":         true,
	"first_name":     true,
	"last_name":      true,
	"full_name":      true,
	"name":           true,
	"student_name":   true,
	"guardian_name":  true,
	"parent_email":   true,
	"personal_email": true,
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\-\s()]{7,}\d`)
)

// RedactingWriter rewrites each JSON log line before it reaches the
// sink: PII-keyed values become [REDACTED]; other string values have
// email and phone substrings scrubbed in place. Non-JSON lines pass
// through untouched.
type RedactingWriter struct {
	next io.Writer
}

// NewRedactingWriter wraps next.
func NewRedactingWriter(next io.Writer) *RedactingWriter {
	return &RedactingWriter{next: next}
}

// Write implements io.Writer.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	var event map[string]any
	if err := json.Unmarshal(p, &event); err != nil {
		return w.next.Write(p)
	}
	redactMap(event)
	out, err := json.Marshal(event)
	if err != nil {
		return w.next.Write(p)
	}
	out = append(out, '\n')
	if _, err := w.next.Write(out); err != nil {
		return 0, err
	}
	// Report the original length so zerolog sees a full write.
	return len(p), nil
}

func redactMap(m map[string]any) {
	for key, value := range m {
		switch v := value.(type) {
		case string:
			if piiKeys[key] {
				m[key] = Redacted
				continue
			}
			m[key] = scrub(v)
		case map[string]any:
			redactMap(v)
		case []any:
			for i, item := range v {
				if s, ok := item.(string); ok {
					v[i] = scrub(s)
				} else if sub, ok := item.(map[string]any); ok {
					redactMap(sub)
				}
			}
		}
	}
}

// scrub replaces email and phone substrings inside free text.
func scrub(s string) string {
	if emailRe.MatchString(s) {
		s = emailRe.ReplaceAllString(s, Redacted)
	}
	if phoneRe.MatchString(s) {
		s = phoneRe.ReplaceAllString(s, Redacted)
	}
	return s
}
