package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

func newTestExecutor(t *testing.T, page schemas.Page) *Executor {
	t.Helper()
	e := NewExecutor(page, config.NewDefaultConfig().Agent(), zaptest.NewLogger(t))
	e.sleep = noSleep
	e.initialInterval = time.Millisecond
	return e
}

func TestClassifyText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text, reason string
		want         textClass
	}{
		{"jane@example.com", "", classEmail},
		{"jane at example.com", "", classPlain},
		{"S3cret!pw", "", classPassword},
		{"hunter2", "typing the password", classPassword},
		{"a-b", "", classPlain},
		{"wireless mouse", "search for the product", classPlain},
		{"rock & roll!", "", classPlain},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyText(tt.text, tt.reason), tt.text)
	}
}

func TestExecutor_ClickMatcherOrder(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Role: "button", Name: "Add to Cart", Exact: true}, &schemas.ElementHandle{ObjectID: "btn"})
	page.find(schemas.Query{Text: "Add to Cart"}, &schemas.ElementHandle{ObjectID: "text"})

	res := newTestExecutor(t, page).Execute(context.Background(), Click{Label: "Add to Cart"})
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, "button_exact", res.Matcher)
	assert.Equal(t, []string{"btn"}, page.clicked)
	assert.Equal(t, queryKey(schemas.Query{Role: "link", Name: "Add to Cart", Exact: true}), page.lookups[0])
}

func TestExecutor_ClickRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Role: "link", Name: "Next", Exact: true}, &schemas.ElementHandle{ObjectID: "a"})
	page.clickErrs = []error{errors.New("detached"), nil}

	res := newTestExecutor(t, page).Execute(context.Background(), Click{Label: "Next"})
	require.True(t, res.OK)
	assert.Equal(t, []string{"a"}, page.clicked)
}

func TestExecutor_ClickGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Text: "Next"}, &schemas.ElementHandle{ObjectID: "a"})
	boom := errors.New("covered")
	page.clickErrs = []error{boom, boom, boom}

	res := newTestExecutor(t, page).Execute(context.Background(), Click{Label: "Next"})
	assert.False(t, res.OK)
	assert.Equal(t, ErrCodeExecutionFailure, res.Code)
	assert.ErrorIs(t, res.Err, boom)
	assert.Empty(t, page.clicked)
}

func TestExecutor_ClickNotFound(t *testing.T) {
	t.Parallel()

	res := newTestExecutor(t, newStubPage()).Execute(context.Background(), Click{Label: "Missing"})
	assert.False(t, res.OK)
	assert.Equal(t, ErrCodeElementNotFound, res.Code)
	assert.ErrorIs(t, res.Err, ErrElementNotFound)
}

func TestExecutor_TypeSearchPressesEnter(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Selector: "input[type='search']"}, &schemas.ElementHandle{ObjectID: "q", Tag: "input", InputType: "search"})

	res := newTestExecutor(t, page).Execute(context.Background(), Type{Text: "wireless mouse"})
	require.True(t, res.OK)
	assert.Equal(t, "search_input", res.Matcher)
	assert.Equal(t, []string{"q=wireless mouse"}, page.filled)
	assert.Equal(t, []schemas.Key{schemas.KeyEnter}, page.keys)
}

func TestExecutor_TypeWithSubmitControlSkipsEnter(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Role: "textbox", Name: "Full name"}, &schemas.ElementHandle{ObjectID: "name", Tag: "input", InputType: "text"})
	page.find(schemas.Query{Role: "button", Name: "Continue", Exact: true}, &schemas.ElementHandle{ObjectID: "cont"})

	res := newTestExecutor(t, page).Execute(context.Background(), Type{Text: "Jane Doe", Label: "Full name"})
	require.True(t, res.OK)
	assert.Equal(t, "labelled_textbox", res.Matcher)
	assert.Empty(t, page.keys)
}

func TestExecutor_TypeCredentials(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Selector: "input[type='email']"}, &schemas.ElementHandle{ObjectID: "email", Tag: "input", InputType: "email"})
	page.find(schemas.Query{Selector: "input[type='password']"}, &schemas.ElementHandle{ObjectID: "pw", Tag: "input", InputType: "password"})
	exec := newTestExecutor(t, page)

	res := exec.Execute(context.Background(), Type{Text: "jane@example.com"})
	require.True(t, res.OK)
	assert.Equal(t, "email_input", res.Matcher)

	res = exec.Execute(context.Background(), Type{Text: "S3cret!pw"})
	require.True(t, res.OK)
	assert.Equal(t, "password_input", res.Matcher)

	assert.Equal(t, []string{"email=jane@example.com", "pw=S3cret!pw"}, page.filled)
	assert.Empty(t, page.keys, "credentials are never submitted with Enter")
}

func TestExecutor_TypeFallsBackToEmptyInput(t *testing.T) {
	t.Parallel()

	page := newStubPage()
	page.find(schemas.Query{Selector: "input[type='text'], input[type='search'], input:not([type])", EmptyOnly: true},
		&schemas.ElementHandle{ObjectID: "empty", Tag: "textarea"})

	res := newTestExecutor(t, page).Execute(context.Background(), Type{Text: "hello"})
	require.True(t, res.OK)
	assert.Equal(t, "first_empty_input", res.Matcher)
	assert.Empty(t, page.keys, "Enter is only pressed in single-line inputs")
}

func TestExecutor_RejectsDoneAndEmpty(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, newStubPage())
	assert.Equal(t, ErrCodeInvalidParameters, exec.Execute(context.Background(), Done{}).Code)
	assert.Equal(t, ErrCodeInvalidParameters, exec.Execute(context.Background(), Type{}).Code)
	assert.Equal(t, ErrCodeInvalidParameters, exec.Execute(context.Background(), Click{Label: " "}).Code)
}
