package sequence

import (
	"reflect"
	"testing"
)

func TestNewCopiesPrompt(t *testing.T) {
	prompt := []int{1, 2, 3}
	seq := New(7, &Request{Index: 0, PromptTokens: prompt, MaxNewTokens: 4})

	prompt[0] = 99
	if seq.Tokens[0] != 1 {
		t.Fatal("sequence aliases the caller's prompt slice")
	}
	if seq.Status != StatusPending {
		t.Fatalf("status = %v, want pending", seq.Status)
	}
	if seq.Len() != 3 || seq.NumGenerated() != 0 {
		t.Fatalf("len = %d, generated = %d, want 3, 0", seq.Len(), seq.NumGenerated())
	}
}

func TestAppendAndGenerated(t *testing.T) {
	seq := New(1, &Request{PromptTokens: []int{5, 6}, MaxNewTokens: 8})
	seq.Append(10)
	seq.Append(11)

	if got := seq.Generated(); !reflect.DeepEqual(got, []int{10, 11}) {
		t.Fatalf("Generated() = %v, want [10 11]", got)
	}
	if seq.NumGenerated() != 2 || seq.Len() != 4 {
		t.Fatalf("generated = %d, len = %d, want 2, 4", seq.NumGenerated(), seq.Len())
	}
}

func TestFinishIsSticky(t *testing.T) {
	seq := New(1, &Request{PromptTokens: []int{1}})
	seq.Finish(ReasonStopToken)
	seq.Finish(ReasonLength)
	if seq.Reason != ReasonStopToken {
		t.Fatalf("reason = %v, want stop", seq.Reason)
	}

	failed := New(2, &Request{PromptTokens: []int{1}})
	failed.Fail(ReasonOutOfMemory, nil)
	failed.Finish(ReasonCancelled)
	if failed.Status != StatusFailed || failed.Reason != ReasonOutOfMemory {
		t.Fatalf("status = %v reason = %v, want failed/out_of_memory", failed.Status, failed.Reason)
	}
}

func TestPreemptKeepsHistory(t *testing.T) {
	seq := New(1, &Request{PromptTokens: []int{1, 2}})
	seq.Status = StatusRunning
	seq.Append(3)
	seq.Processed = 3

	seq.Preempt()
	if seq.Status != StatusPending {
		t.Fatalf("status = %v, want pending", seq.Status)
	}
	if seq.Processed != 0 || seq.Pages != nil {
		t.Fatal("preempt must reset cursor and page table")
	}
	if !reflect.DeepEqual(seq.Tokens, []int{1, 2, 3}) {
		t.Fatalf("tokens = %v, want history preserved", seq.Tokens)
	}
}

func TestFindStop(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		stops []string
		want  string
		ok    bool
	}{
		{name: "no-match", text: "hello world", stops: []string{"###"}, want: "", ok: false},
		{name: "single", text: "a###b", stops: []string{"###"}, want: "###", ok: true},
		{name: "earliest-wins", text: "xAyBz", stops: []string{"B", "A"}, want: "A", ok: true},
		{name: "empty-stop-ignored", text: "abc", stops: []string{""}, want: "", ok: false},
		{name: "no-stops", text: "abc", stops: nil, want: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FindStop(tc.text, tc.stops)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("FindStop = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestCheckStopTruncates(t *testing.T) {
	seq := New(1, &Request{PromptTokens: []int{1}, StopStrings: []string{"END"}})
	seq.Text = "partial output ENDtrailing"

	if !seq.CheckStop() {
		t.Fatal("CheckStop = false, want true")
	}
	if seq.Text != "partial output " {
		t.Fatalf("text = %q, want truncated before stop", seq.Text)
	}
	if seq.Status != StatusFinished || seq.Reason != ReasonStopString {
		t.Fatalf("status = %v reason = %v, want finished/stop_string", seq.Status, seq.Reason)
	}
}

func TestCancelFlag(t *testing.T) {
	seq := New(1, &Request{PromptTokens: []int{1}})
	if seq.CancelRequested() {
		t.Fatal("new sequence already flagged")
	}
	seq.RequestCancel()
	if !seq.CancelRequested() {
		t.Fatal("cancel flag not observed")
	}
}
