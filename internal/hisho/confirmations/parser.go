package confirmations

import (
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ErrNotADecision is returned when a message is not a yes/no reply.
var ErrNotADecision = errors.New("not a confirmation decision")

// Decision is a parsed yes/no reply to a confirmation prompt.
type Decision struct {
	Approved bool
	// ID is the confirmation id, empty for a bare "yes"/"no".
	ID string
}

// ParseDecision parses a chat reply of the form:
//
//	yes <id>
//	no <id>
//	yes
//	no
//
// The verb is case-insensitive and also accepts "да"/"нет", "confirm" and
// "cancel". Anything else returns ErrNotADecision.
func ParseDecision(text string) (*Decision, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || len(fields) > 2 {
		return nil, ErrNotADecision
	}

	var approved bool
	switch strings.ToLower(strings.Trim(fields[0], ".!,")) {
	case "yes", "y", "confirm", "да":
		approved = true
	case "no", "n", "cancel", "нет":
		approved = false
	default:
		return nil, ErrNotADecision
	}

	d := &Decision{Approved: approved}
	if len(fields) == 2 {
		d.ID = fields[1]
	}
	return d, nil
}

// maxSpokenAnswerWords bounds how long a spoken reply may be and still be
// read as a yes/no answer.
const maxSpokenAnswerWords = 4

// ParseReply reads a chat message as an answer to a pending prompt. Typed
// replies use ParseDecision, but "yes <word>" only counts when the word is a
// confirmation id. Spoken replies of up to four words also go through
// DetectAnswer and yield a bare decision.
func ParseReply(text string, spoken bool) (*Decision, error) {
	if d, err := ParseDecision(text); err == nil {
		if d.ID == "" {
			return d, nil
		}
		if _, err := uuid.Parse(d.ID); err == nil {
			return d, nil
		}
	}
	if spoken && len(strings.Fields(text)) <= maxSpokenAnswerWords {
		switch DetectAnswer(text) {
		case AnswerYes:
			return &Decision{Approved: true}, nil
		case AnswerNo:
			return &Decision{Approved: false}, nil
		}
	}
	return nil, ErrNotADecision
}

const (
	callbackYes = "confirm_yes_"
	callbackNo  = "confirm_no_"
)

// CallbackData encodes a button payload for the confirmation id.
func CallbackData(id string, approved bool) string {
	if approved {
		return callbackYes + id
	}
	return callbackNo + id
}

// ParseCallbackData decodes a payload produced by CallbackData.
func ParseCallbackData(data string) (*Decision, error) {
	switch {
	case strings.HasPrefix(data, callbackYes) && len(data) > len(callbackYes):
		return &Decision{Approved: true, ID: strings.TrimPrefix(data, callbackYes)}, nil
	case strings.HasPrefix(data, callbackNo) && len(data) > len(callbackNo):
		return &Decision{Approved: false, ID: strings.TrimPrefix(data, callbackNo)}, nil
	default:
		return nil, ErrNotADecision
	}
}

// Answer is the yes/no meaning of a free-form utterance.
type Answer int

const (
	AnswerUnknown Answer = iota
	AnswerYes
	AnswerNo
)

// Keyword lists for spoken answers. Single words match whole words of the
// utterance; multi-word entries match as a phrase.
var (
	positiveKeywords = []string{
		"да", "ага", "давай", "конечно", "согласен", "согласна",
		"ок", "окей", "хорошо", "верно", "правильно",
		"подтверждаю", "подтверждай", "делай", "сделай",
		"yes", "yeah", "yep", "sure", "ok", "okay", "confirm", "correct",
	}
	negativeKeywords = []string{
		"нет", "неа", "не надо", "не нужно",
		"отмена", "отмени", "отменяй",
		"не согласен", "не согласна", "неправильно", "неверно",
		"ошибка", "стоп",
		"no", "nope", "cancel", "stop", "wrong", "don't",
	}
)

// DetectAnswer classifies a transcribed spoken reply. Negative keywords are
// checked first: "не согласен" contains "согласен", and a refusal must never
// be read as consent.
func DetectAnswer(utterance string) Answer {
	words := tokenize(utterance)
	if len(words) == 0 {
		return AnswerUnknown
	}
	phrase := " " + strings.Join(words, " ") + " "

	if containsAny(phrase, negativeKeywords) {
		return AnswerNo
	}
	if containsAny(phrase, positiveKeywords) {
		return AnswerYes
	}
	return AnswerUnknown
}

func containsAny(phrase string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(phrase, " "+k+" ") {
			return true
		}
	}
	return false
}

// tokenize lowercases s and splits it into words, keeping apostrophes so
// "don't" stays one word.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
