package confirmations

import (
	"errors"
	"testing"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		id       string
		wantErr  bool
	}{
		{input: "yes abc-123", approved: true, id: "abc-123"},
		{input: "  YES   abc-123 ", approved: true, id: "abc-123"},
		{input: "no abc-123", approved: false, id: "abc-123"},
		{input: "да", approved: true},
		{input: "Нет!", approved: false},
		{input: "confirm xyz", approved: true, id: "xyz"},
		{input: "cancel", approved: false},
		{input: "", wantErr: true},
		{input: "maybe abc", wantErr: true},
		{input: "yes please do it", wantErr: true},
		{input: "add task buy milk", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDecision(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrNotADecision) {
					t.Fatalf("expected ErrNotADecision, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Approved != tt.approved || d.ID != tt.id {
				t.Errorf("got %+v, want approved=%v id=%q", d, tt.approved, tt.id)
			}
		})
	}
}

func TestCallbackData_RoundTrip(t *testing.T) {
	for _, approved := range []bool{true, false} {
		data := CallbackData("f47ac10b-58cc", approved)
		d, err := ParseCallbackData(data)
		if err != nil {
			t.Fatalf("ParseCallbackData(%q): %v", data, err)
		}
		if d.Approved != approved || d.ID != "f47ac10b-58cc" {
			t.Errorf("got %+v", d)
		}
	}
	if got := CallbackData("id1", true); got != "confirm_yes_id1" {
		t.Errorf("CallbackData = %q", got)
	}
	for _, bad := range []string{"", "confirm_yes_", "confirm_maybe_x", "other"} {
		if _, err := ParseCallbackData(bad); !errors.Is(err, ErrNotADecision) {
			t.Errorf("ParseCallbackData(%q) = %v, want ErrNotADecision", bad, err)
		}
	}
}

func TestDetectAnswer(t *testing.T) {
	tests := []struct {
		utterance string
		want      Answer
	}{
		{"Да", AnswerYes},
		{"да, давай", AnswerYes},
		{"Конечно, добавь.", AnswerYes},
		{"окей", AnswerYes},
		{"Yes please", AnswerYes},
		{"нет", AnswerNo},
		{"Нет, не надо", AnswerNo},
		{"я не согласен", AnswerNo},
		{"не согласна", AnswerNo},
		{"это неправильно", AnswerNo},
		{"стоп", AnswerNo},
		{"no thanks", AnswerNo},
		{"да нет, наверное", AnswerNo},
		{"", AnswerUnknown},
		{"хорошо", AnswerYes},
		{"купи хлеб", AnswerUnknown},
		{"даже не знаю", AnswerUnknown},
		{"nobody", AnswerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			if got := DetectAnswer(tt.utterance); got != tt.want {
				t.Errorf("DetectAnswer(%q) = %d, want %d", tt.utterance, got, tt.want)
			}
		})
	}
}

func TestParseReply(t *testing.T) {
	const id = "6f1c1c52-3b0e-4c5e-9d7a-0a4f0f6b9e21"
	tests := []struct {
		text   string
		spoken bool
		want   *Decision
	}{
		{"yes", false, &Decision{Approved: true}},
		{"no " + id, false, &Decision{ID: id}},
		{"yes please", false, nil},
		{"sure", false, nil},
		{"sure", true, &Decision{Approved: true}},
		{"no, don't", true, &Decision{}},
		{"add milk and bread to the list ok", true, nil},
	}
	for _, tt := range tests {
		d, err := ParseReply(tt.text, tt.spoken)
		if tt.want == nil {
			if !errors.Is(err, ErrNotADecision) {
				t.Errorf("ParseReply(%q, %v) = %+v, %v; want ErrNotADecision", tt.text, tt.spoken, d, err)
			}
			continue
		}
		if err != nil || *d != *tt.want {
			t.Errorf("ParseReply(%q, %v) = %+v, %v; want %+v", tt.text, tt.spoken, d, err, tt.want)
		}
	}
}
