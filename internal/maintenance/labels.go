package maintenance

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"projectflow/internal/domain"
	"projectflow/internal/records"
)

// DefaultOffsets apply when a record's reminder cell is blank.
var DefaultOffsets = []int{3, 7, 14}

var generatedLabel = regexp.MustCompile(`^(\d+)\s+(day|days|week|weeks)\s+before$`)

// Labels is the bidirectional offset/label lookup.
type Labels struct {
	byOffset map[int]string
	byLabel  map[string]int
}

// NewLabels indexes the lookup table, falling back to generated labels for the
// default offsets when the table is empty.
func NewLabels(rows []domain.ReminderLabel) *Labels {
	l := &Labels{byOffset: map[int]string{}, byLabel: map[string]int{}}
	if len(rows) == 0 {
		rows = DefaultLabels()
	}
	for _, r := range rows {
		label := strings.TrimSpace(r.Label)
		if label == "" || r.Offset < 0 {
			continue
		}
		if _, ok := l.byOffset[r.Offset]; !ok {
			l.byOffset[r.Offset] = label
		}
		l.byLabel[strings.ToLower(label)] = r.Offset
	}
	return l
}

// DefaultLabels are seeded by workspace init.
func DefaultLabels() []domain.ReminderLabel {
	out := make([]domain.ReminderLabel, 0, len(DefaultOffsets))
	for _, n := range DefaultOffsets {
		out = append(out, domain.ReminderLabel{Offset: n, Label: GenerateLabel(n)})
	}
	return out
}

// GenerateLabel is the deterministic label for an offset with no table entry.
func GenerateLabel(days int) string {
	switch {
	case days == 0:
		return "On due date"
	case days == 1:
		return "1 day before"
	case days%7 == 0 && days/7 == 1:
		return "1 week before"
	case days%7 == 0:
		return fmt.Sprintf("%d weeks before", days/7)
	}
	return fmt.Sprintf("%d days before", days)
}

func (l *Labels) OffsetToLabel(days int) string {
	if label, ok := l.byOffset[days]; ok {
		return label
	}
	return GenerateLabel(days)
}

// LabelToOffset accepts table labels, generated labels and bare day counts.
func (l *Labels) LabelToOffset(label string) (int, bool) {
	key := strings.ToLower(strings.TrimSpace(label))
	if n, ok := l.byLabel[key]; ok {
		return n, true
	}
	if key == "on due date" {
		return 0, true
	}
	if m := generatedLabel.FindStringSubmatch(key); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		return n, true
	}
	if n, err := strconv.Atoi(key); err == nil && n >= 0 {
		return n, true
	}
	return 0, false
}

// ParseOffsets reads a reminder cell. A blank cell yields DefaultOffsets. Tokens that
// match nothing are returned in unknown.
func (l *Labels) ParseOffsets(cell string) (offsets []int, unknown []string) {
	tokens := records.SplitTokens(cell)
	if len(tokens) == 0 {
		return append([]int(nil), DefaultOffsets...), nil
	}
	seen := map[int]bool{}
	for _, tok := range tokens {
		n, ok := l.LabelToOffset(tok)
		if !ok {
			unknown = append(unknown, tok)
			continue
		}
		if !seen[n] {
			seen[n] = true
			offsets = append(offsets, n)
		}
	}
	sort.Ints(offsets)
	return offsets, unknown
}

// Format renders offsets as a reminder cell.
func (l *Labels) Format(offsets []int) string {
	labels := make([]string, 0, len(offsets))
	for _, n := range offsets {
		labels = append(labels, l.OffsetToLabel(n))
	}
	return records.JoinTokens(labels)
}

// Options lists every table label in offset order, for editor dropdowns.
func (l *Labels) Options() []domain.ReminderLabel {
	out := make([]domain.ReminderLabel, 0, len(l.byOffset))
	for n, label := range l.byOffset {
		out = append(out, domain.ReminderLabel{Offset: n, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}
