package approval

import (
	"strings"
	"time"

	"github.com/Kocoro-lab/reportflow/internal/util"
)

// TimeoutAction decides what an unanswered review resolves to.
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
	TimeoutSuspend TimeoutAction = "suspend"
)

// Policy configures the gate. MaxReviews 0 disables forced approval.
type Policy struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	TimeoutAction TimeoutAction `mapstructure:"timeout_action"`
	MaxReviews    int           `mapstructure:"max_reviews"`
	WaitInProcess bool          `mapstructure:"wait_in_process"`
	Vocabulary    []string      `mapstructure:"vocabulary"`
}

// DefaultVocabulary holds the approval words, including localized forms.
func DefaultVocabulary() []string {
	return []string{
		"yes", "ok", "okay", "approve", "approved", "accept", "accepted",
		"continue", "proceed", "lgtm",
		"si", "sí", "continuar", "aceptar", "aprobar", "aprobado",
		"oui", "ja",
	}
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:       30 * time.Second,
		TimeoutAction: TimeoutApprove,
		MaxReviews:    3,
		WaitInProcess: true,
		Vocabulary:    DefaultVocabulary(),
	}
}

func (p Policy) normalized() Policy {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	switch p.TimeoutAction {
	case TimeoutApprove, TimeoutReject, TimeoutSuspend:
	default:
		p.TimeoutAction = TimeoutApprove
	}
	if p.MaxReviews < 0 {
		p.MaxReviews = 0
	}
	if len(p.Vocabulary) == 0 {
		p.Vocabulary = DefaultVocabulary()
	}
	return p
}

// IsApproval matches feedback against the vocabulary, either as the whole
// case-folded string or as any single word of it.
func (p Policy) IsApproval(feedback string) bool {
	vocab := make(map[string]bool, len(p.Vocabulary))
	for _, w := range p.Vocabulary {
		vocab[strings.ToLower(strings.TrimSpace(w))] = true
	}
	whole := strings.ToLower(strings.TrimSpace(feedback))
	if whole == "" {
		return false
	}
	if vocab[whole] {
		return true
	}
	for _, tok := range util.Words(whole) {
		if vocab[tok] {
			return true
		}
	}
	return false
}

// LimitReached reports whether the next evaluation must be forced.
func (p Policy) LimitReached(reviewCount int) bool {
	return p.MaxReviews > 0 && reviewCount >= p.MaxReviews
}
