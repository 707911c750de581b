package asrpool

import "testing"

func TestWERIdentical(t *testing.T) {
	r := ComputeWER("the quick brown fox", "the quick brown fox")
	if r.WER != 0 {
		t.Fatalf("expected wer(x,x)=0, got %v", r.WER)
	}
}

func TestWEREmptyHypothesis(t *testing.T) {
	r := ComputeWER("the quick brown fox", "")
	if r.WER != 1 {
		t.Fatalf("expected wer(x,\"\")=1, got %v", r.WER)
	}
	if r.Deletions != 4 {
		t.Fatalf("expected 4 deletions, got %d", r.Deletions)
	}
}

func TestWEREmptyReference(t *testing.T) {
	r := ComputeWER("", "hello")
	if r.WER != 0 {
		t.Fatalf("expected 0 when reference is empty, got %v", r.WER)
	}
}

func TestWERSubstitution(t *testing.T) {
	r := ComputeWER("the quick brown fox", "the quick brown cat")
	if r.Substitutions != 1 {
		t.Fatalf("expected 1 substitution, got %d", r.Substitutions)
	}
	if r.WER != 0.25 {
		t.Fatalf("expected wer=0.25, got %v", r.WER)
	}
}

func TestWERInsertionHeavy(t *testing.T) {
	r := ComputeWER("hi", "hi there friend how are you")
	if r.WER <= 1 {
		t.Fatalf("expected insertion-heavy hypothesis to exceed 1, got %v", r.WER)
	}
}
