package contacts

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-vcard"

	"github.com/pkeller/valet-agent/internal/tools"
)

func TestPickAddressSingleMatch(t *testing.T) {
	email, err := pickAddress("sam", []Contact{{Name: "Sam Rivera", Email: "sam@example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email != "sam@example.com" {
		t.Errorf("email = %q", email)
	}
}

func TestPickAddressExactBeatsPartial(t *testing.T) {
	matches := []Contact{
		{Name: "Sam Rivera", Email: "rivera@example.com"},
		{Name: "Sam", Email: "sam@example.com"},
	}
	email, err := pickAddress("Sam", matches)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email != "sam@example.com" {
		t.Errorf("exact match should win, got %q", email)
	}
}

func TestPickAddressExactMatchCaseInsensitive(t *testing.T) {
	matches := []Contact{
		{Name: "Sam Rivera", Email: "rivera@example.com"},
		{Name: "SAM", Email: "sam@example.com"},
	}
	email, err := pickAddress("sam", matches)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email != "sam@example.com" {
		t.Errorf("email = %q", email)
	}
}

func TestPickAddressNoMatch(t *testing.T) {
	if _, err := pickAddress("nobody", nil); err == nil {
		t.Fatal("expected error for empty match set")
	}
}

func TestPickAddressAmbiguous(t *testing.T) {
	matches := []Contact{
		{Name: "Sam Rivera", Email: "rivera@example.com"},
		{Name: "Sam Chen", Email: "chen@example.com"},
	}
	_, err := pickAddress("sam", matches)
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	if !strings.Contains(err.Error(), "Sam Rivera") || !strings.Contains(err.Error(), "Sam Chen") {
		t.Errorf("error should name candidates, got %q", err)
	}
}

func TestCardToContact(t *testing.T) {
	card := vcard.Card{}
	card.SetValue(vcard.FieldFormattedName, "Sam Rivera")
	card.SetValue(vcard.FieldEmail, "sam@example.com")

	ct := cardToContact(card)
	if ct.Name != "Sam Rivera" || ct.Email != "sam@example.com" {
		t.Errorf("unexpected contact: %+v", ct)
	}
}

// fakeDirectory returns canned matches for tool tests.
type fakeDirectory struct {
	matches []Contact
	err     error
}

func (f *fakeDirectory) Find(_ context.Context, _ string) ([]Contact, error) {
	return f.matches, f.err
}

func (f *fakeDirectory) LookupEmail(ctx context.Context, name string) (string, error) {
	matches, err := f.Find(ctx, name)
	if err != nil {
		return "", err
	}
	return pickAddress(name, matches)
}

func TestFindContactTool(t *testing.T) {
	r := tools.NewRegistry()
	RegisterTools(r, &fakeDirectory{matches: []Contact{
		{Name: "Sam Rivera", Email: "sam@example.com"},
	}})

	res, err := r.Execute(context.Background(), "find_contact", map[string]any{"name": "sam"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "Sam Rivera <sam@example.com>") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestFindContactToolNoMatch(t *testing.T) {
	r := tools.NewRegistry()
	RegisterTools(r, &fakeDirectory{})

	res, err := r.Execute(context.Background(), "find_contact", map[string]any{"name": "nobody"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "No contact found") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestFindContactToolRequiresName(t *testing.T) {
	r := tools.NewRegistry()
	RegisterTools(r, &fakeDirectory{})

	if _, err := r.Execute(context.Background(), "find_contact", map[string]any{}); err == nil {
		t.Fatal("expected error for missing name")
	}
}
