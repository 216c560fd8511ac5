package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/estategpt/internal/ai"
	"github.com/DukeRupert/estategpt/internal/domain"
)

func TestAsk_RequiresIdentity(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/ask", "", jsonBody(t, map[string]string{"question": "hi"}), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.provider.Calls())
}

func TestAsk_FreeQuotaScenario(t *testing.T) {
	f := newAPIFixture(t)

	for _, want := range []int{2, 1, 0} {
		rec := f.do(t, "POST", "/ask", "u1", jsonBody(t, map[string]string{
			"question": "What is escrow?",
		}), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[askResponse](t, rec)
		assert.Equal(t, want, resp.Quota)
		assert.Equal(t, domain.PlanNone, resp.Plan)
		assert.Contains(t, resp.Answer, "What is escrow?")
		assert.NotEmpty(t, resp.ChatID)
		require.NotNil(t, resp.ResetAt)
	}

	rec := f.do(t, "POST", "/ask", "u1", jsonBody(t, map[string]string{"question": "And closing costs?"}), nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	body := decodeBody[JSONError](t, rec)
	assert.Equal(t, domain.EPAYMENT, body.Error.Code)
	assert.NotEmpty(t, body.Error.ResetAt)
	assert.Equal(t, 3, f.provider.Calls())
}

func TestAsk_PaidPlanHasNoResetAt(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.UpdateEntitlement(context.Background(), "pro", domain.EntitlementPatch{}.
		SetPlan(domain.PlanPro).
		SetStatus(domain.PaymentStatusActive)))

	rec := f.do(t, "POST", "/ask", "pro", jsonBody(t, map[string]string{"question": "Hi"}), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Contains(t, rec.Body.String(), `"reset_at":null`)
	assert.Equal(t, domain.PlanPro, decodeBody[askResponse](t, rec).Plan)
}

func TestAsk_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantMsg   string
		wantField string
	}{
		{name: "malformed json", body: `{"question":`, wantMsg: "Please type a question."},
		{name: "empty body", body: ``, wantMsg: "Please type a question."},
		{name: "blank question", body: `{"question":"   "}`, wantMsg: "Please type a question."},
		{name: "too long", body: `{"question":"` + strings.Repeat("a", 8001) + `"}`, wantMsg: "limited to", wantField: "question"},
		{name: "bad chat id", body: `{"question":"hi","chat_id":"a/b"}`, wantMsg: "Invalid chat ID.", wantField: "chat_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)

			rec := f.do(t, "POST", "/ask", "u1", strings.NewReader(tt.body), nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody[JSONError](t, rec)
			assert.Equal(t, domain.EINVALID, body.Error.Code)
			assert.Contains(t, body.Error.Message, tt.wantMsg)
			if tt.wantField != "" {
				assert.Contains(t, body.Error.Fields, tt.wantField)
			} else {
				assert.Empty(t, body.Error.Fields)
			}
			assert.Zero(t, f.provider.Calls())
		})
	}
}

func TestAsk_ContinuesChatAndHidesOthers(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/ask", "u1", jsonBody(t, map[string]string{
		"question": "First",
		"chat_id":  "chat-1",
	}), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chat-1", decodeBody[askResponse](t, rec).ChatID)

	rec = f.do(t, "POST", "/ask", "u2", jsonBody(t, map[string]string{
		"question": "Let me in",
		"chat_id":  "chat-1",
	}), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsk_ProviderFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{name: "retryable", err: ai.WrapError("complete", ai.EAIRateLimit), wantMsg: assistantUnavailable},
		{name: "permanent", err: ai.WrapError("complete", ai.EAIInvalidRequest), wantMsg: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.provider.CompleteError = tt.err

			rec := f.do(t, "POST", "/ask", "u1", jsonBody(t, map[string]string{"question": "Hi"}), nil)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, decodeBody[JSONError](t, rec).Error.Message, tt.wantMsg)

			// Nothing was charged.
			f.provider.CompleteError = nil
			rec = f.do(t, "POST", "/ask", "u1", jsonBody(t, map[string]string{"question": "Hi again"}), nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, 2, decodeBody[askResponse](t, rec).Quota)
		})
	}
}

func TestAsk_AttachmentFailureBecomesMarker(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "POST", "/ask", "u1", jsonBody(t, map[string]any{
		"question": "Summarize the disclosure",
		"files": []map[string]string{
			{"name": "disclosure.pdf", "path": "users/u1/chats/c/files/missing.pdf"},
		},
	}), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sent := f.provider.LastParams.Messages[len(f.provider.LastParams.Messages)-1].Content
	assert.Contains(t, sent, "[Could not read disclosure.pdf:")
	assert.True(t, strings.HasSuffix(sent, "Question: Summarize the disclosure"))
}
