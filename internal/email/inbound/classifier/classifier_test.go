package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	orders         map[int64]bool
	customers      map[string]int64
	orderCustomers map[string]int64
	err            error
}

func (d *fakeDirectory) OrderExists(_ context.Context, id int64) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.orders[id], nil
}

func (d *fakeDirectory) CustomerIDByEmail(_ context.Context, email string) (int64, bool, error) {
	id, ok := d.customers[email]
	return id, ok, nil
}

func (d *fakeDirectory) LatestOrderCustomerByEmail(_ context.Context, email string) (int64, bool, error) {
	id, ok := d.orderCustomers[email]
	return id, ok, nil
}

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAnalyzeWithoutModelExtractsOrderFromSubject(t *testing.T) {
	dir := &fakeDirectory{orders: map[int64]bool{1085: true}, orderCustomers: map[string]int64{"jane@example.com": 77}}
	c := New(WithDirectory(dir), WithLogger(quietLogger()))

	a := c.Analyze(context.Background(), Input{
		FromAddress: "jane@example.com",
		Subject:     "Re: Order #1085 issue",
		Body:        "<p>The print arrived <b>damaged</b>.</p>",
	})

	require.NotNil(t, a.OrderID)
	assert.Equal(t, int64(1085), *a.OrderID)
	require.NotNil(t, a.CustomerID)
	assert.Equal(t, int64(77), *a.CustomerID)
	assert.Equal(t, SourceHeuristic, a.Source)
	assert.Equal(t, CategoryComplaint, a.Category)
	assert.Equal(t, UrgencyHigh, a.Urgency)
}

func TestAnalyzeSkipsOrdersTheStoreDoesNotKnow(t *testing.T) {
	dir := &fakeDirectory{orders: map[int64]bool{20417: true}}
	c := New(WithDirectory(dir), WithLogger(quietLogger()))
	a := c.Analyze(context.Background(), Input{
		Subject: "Question #3",
		Body:    "Hi, my order reference is 20417, when will it ship?",
	})
	require.NotNil(t, a.OrderID)
	assert.Equal(t, int64(20417), *a.OrderID)
	assert.Equal(t, CategoryShipping, a.Category)
}

func TestAnalyzePrefersAccountCustomer(t *testing.T) {
	dir := &fakeDirectory{customers: map[string]int64{"jane@example.com": 5}, orderCustomers: map[string]int64{"jane@example.com": 77}}
	c := New(WithDirectory(dir), WithLogger(quietLogger()))
	a := c.Analyze(context.Background(), Input{FromAddress: "Jane@Example.com", Subject: "hello"})
	require.NotNil(t, a.CustomerID)
	assert.Equal(t, int64(5), *a.CustomerID)
	assert.Nil(t, a.OrderID)
}

func TestAnalyzeUsesModelReply(t *testing.T) {
	ai := &fakeCompleter{reply: "Sure!\n```json\n{\"category\":\"Shipping\",\"urgency\":\"high\",\"order_id\":\"#1085\",\"tone\":\"frustrated\",\"key_issues\":[\"late\",\"no tracking\"]}\n```"}
	dir := &fakeDirectory{orders: map[int64]bool{1085: true}}
	c := New(WithCompleter(ai), WithDirectory(dir), WithLogger(quietLogger()))

	a := c.Analyze(context.Background(), Input{Subject: "where is it", Body: "still nothing"})
	assert.Equal(t, 1, ai.calls)
	assert.Equal(t, SourceAI, a.Source)
	assert.Equal(t, CategoryShipping, a.Category)
	assert.Equal(t, UrgencyHigh, a.Urgency)
	assert.Equal(t, ToneFrustrated, a.Tone)
	assert.Equal(t, []string{"late", "no tracking"}, a.KeyIssues)
	require.NotNil(t, a.OrderID)
	assert.Equal(t, int64(1085), *a.OrderID)
}

func TestAnalyzeFallsBackWhenModelFails(t *testing.T) {
	dir := &fakeDirectory{orders: map[int64]bool{1085: true}}
	for name, ai := range map[string]*fakeCompleter{
		"transport": {err: errors.New("connection reset")},
		"garbage":   {reply: "I cannot help with that."},
		"schema":    {reply: `{"category": 3}`},
	} {
		t.Run(name, func(t *testing.T) {
			c := New(WithCompleter(ai), WithDirectory(dir), WithLogger(quietLogger()))
			a := c.Analyze(context.Background(), Input{Subject: "Order #1085 refund please"})
			assert.Equal(t, SourceHeuristic, a.Source)
			assert.Equal(t, CategoryReturn, a.Category)
			require.NotNil(t, a.OrderID)
			assert.Equal(t, int64(1085), *a.OrderID)
		})
	}
}

func TestAnalyzeDropsModelOrderTheStoreRejects(t *testing.T) {
	ai := &fakeCompleter{reply: `{"category":"general","urgency":"low","tone":"neutral","order_id":999}`}
	c := New(WithCompleter(ai), WithDirectory(&fakeDirectory{}), WithLogger(quietLogger()))
	a := c.Analyze(context.Background(), Input{Subject: "hello"})
	assert.Nil(t, a.OrderID)
}

func TestExtractJSON(t *testing.T) {
	doc, err := extractJSON("prefix {\"a\":\n\"b\"} suffix")
	require.NoError(t, err)
	assert.Equal(t, `{"a": "b"}`, doc)

	doc, err = extractJSON("```\n{\"a\":1}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, doc)

	_, err = extractJSON("nothing here")
	require.Error(t, err)
}

func TestOrderCandidates(t *testing.T) {
	assert.Equal(t, []int64{123}, OrderCandidates("order number #123"))
	assert.Equal(t, []int64{55, 7}, OrderCandidates("Order #55, also #7"))
	assert.Equal(t, []int64{123456}, OrderCandidates("my order from last week, 123456"))
	assert.Empty(t, OrderCandidates("I ordered 3 items"))
}

func TestEnumParsingDefaults(t *testing.T) {
	assert.Equal(t, CategoryReturn, ParseCategory("Returns & Refunds"))
	assert.Equal(t, CategoryGeneral, ParseCategory("weather"))
	assert.Equal(t, UrgencyUrgent, ParseUrgency("critical"))
	assert.Equal(t, UrgencyMedium, ParseUrgency(""))
	assert.Equal(t, ToneFrustrated, ParseTone("Upset"))
}

func TestChatClientPostsCompletionRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"category\":\"billing\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL+"/v1/", "sk-test", "gpt-test", WithMaxTokens(300))
	reply, err := c.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, `{"category":"billing"}`, reply)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 300, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestChatClientReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := NewChatClient(srv.URL, "k", "m").Complete(context.Background(), "s", "u")
	require.ErrorContains(t, err, "status 429")
}
