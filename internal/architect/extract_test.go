package architect

import "testing"

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is my answer:\n```json\n{\"change_type\": \"adjust_params\"}\n```\nHope that helps."
	got, err := extractJSON(text)
	if err != nil {
		t.Fatalf("extractJSON() error: %v", err)
	}
	if got != `{"change_type": "adjust_params"}` {
		t.Errorf("extractJSON() = %q", got)
	}
}

func TestExtractJSONBareFence(t *testing.T) {
	text := "```\n{\"change_type\": \"new_trait\"}\n```"
	got, err := extractJSON(text)
	if err != nil {
		t.Fatalf("extractJSON() error: %v", err)
	}
	if got != `{"change_type": "new_trait"}` {
		t.Errorf("extractJSON() = %q", got)
	}
}

func TestExtractJSONInlineObject(t *testing.T) {
	text := `Sure thing! {"change_type": "modify_trait", "target_class": "Forager"} is my plan.`
	got, err := extractJSON(text)
	if err != nil {
		t.Fatalf("extractJSON() error: %v", err)
	}
	if got != `{"change_type": "modify_trait", "target_class": "Forager"}` {
		t.Errorf("extractJSON() = %q", got)
	}
}

func TestExtractJSONNestedBraces(t *testing.T) {
	text := `{"change_type": "adjust_params", "constraints": ["only touch {friction}"]}`
	got, err := extractJSON(text)
	if err != nil {
		t.Fatalf("extractJSON() error: %v", err)
	}
	if got != text {
		t.Errorf("extractJSON() = %q, want %q", got, text)
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, err := extractJSON("I refuse to answer in JSON."); err == nil {
		t.Error("expected an error when no JSON object is present")
	}
}
