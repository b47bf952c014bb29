package botflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testScope() Scope {
	return Scope{
		"user_response": StringValue("1"),
		"empty":         StringValue(""),
		"debtor": MapValue(map[string]Value{
			"name":   StringValue("Maria Lopez"),
			"amount": NumberValue(1250.5),
		}),
	}
}

func TestRenderSubstitutesVariables(t *testing.T) {
	out := Render("Hola {{debtor.name}}, tu deuda es {{debtor.amount}}", testScope())
	assert.Equal(t, "Hola Maria Lopez, tu deuda es 1250.5", out)
}

func TestRenderMissingPathUsesDefault(t *testing.T) {
	scope := testScope()
	assert.Equal(t, "Hola cliente", Render("Hola {{debtor.nickname|cliente}}", scope))
	assert.Equal(t, "Hola ", Render("Hola {{debtor.nickname}}", scope))
}

func TestRenderEmptyStringIsNotMissing(t *testing.T) {
	// An empty variable must NOT fall back to the default; only a truly
	// absent path does.
	out := Render("[{{empty|fallback}}]", testScope())
	assert.Equal(t, "[]", out)
}

func TestRenderDeterministic(t *testing.T) {
	scope := testScope()
	tmpl := "{{user_response}}/{{debtor.name}}/{{missing|x}}"
	first := Render(tmpl, scope)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Render(tmpl, scope))
	}
}

func TestLookupDescendIntoScalarIsMissing(t *testing.T) {
	scope := testScope()
	assert.True(t, scope.Lookup("user_response.deeper").IsMissing())
	assert.True(t, scope.Lookup("nope").IsMissing())
	assert.False(t, scope.Lookup("debtor.name").IsMissing())
}
