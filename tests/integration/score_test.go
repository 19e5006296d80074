//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel scoring engine.
//
// These tests verify the COMPLETE decision pipeline over HTTP:
//
//	Transaction → Features → Ensemble → Policy → Explanation → Audit Ledger
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: A payment event submitted for scoring. The transaction id
//    doubles as the idempotency key: resubmitting it replays the stored
//    decision instead of scoring again.
//
// 2. ENSEMBLE: The active models each produce a fraud probability; the policy
//    combines them with per-model weights into one fraud score.
//
// 3. POLICY BANDS: Score-to-outcome mapping (default policy-v1):
//   - Score < 0.5         → approve (low risk)
//   - 0.5 ≤ Score < 0.9   → review (medium risk)
//   - Score ≥ 0.9         → decline (high risk)
//
// 4. AUDIT LEDGER: Every committed decision appends a hash-chained event to
//    the subject's chain. GET /audit/verify recomputes the chain end to end.
//
// The server must be running with at least one active model (the boot seed
// suffices). Transaction ids carry a per-run nonce so repeated runs against
// the same database never collide with earlier decisions.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// runID makes transaction ids unique across repeated runs
var runID = time.Now().UnixNano()

func txnID(label string) string {
	return fmt.Sprintf("it-%d-%s", runID, label)
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// ScoreRequest is the transaction sent to POST /score
type ScoreRequest struct {
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	MerchantID    string  `json:"merchant_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Type          string  `json:"transaction_type"`
	Channel       string  `json:"channel"`
	IPAddress     string  `json:"ip_address,omitempty"`
	Country       string  `json:"country,omitempty"`
	DeviceID      string  `json:"device_id,omitempty"`
}

// ScoreResponse is what POST /score returns
type ScoreResponse struct {
	TransactionID  string       `json:"transaction_id"`
	FraudScore     float64      `json:"fraud_score"`
	IsFraud        bool         `json:"is_fraud"`
	RiskLevel      string       `json:"risk_level"` // "low", "medium", "high"
	Decision       string       `json:"decision"`   // "approve", "review", "decline"
	TopRiskFactors []RiskFactor `json:"top_risk_factors"`
	ProcessingMs   float64      `json:"processing_time_ms"`
	ModelVersion   string       `json:"model_version"`
}

type RiskFactor struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// StoredDecision is the replay record returned by GET /decisions/{txnID}
type StoredDecision struct {
	DecisionID    string  `json:"decision_id"`
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	FraudScore    float64 `json:"fraud_score"`
	Outcome       string  `json:"decision"`
	PolicyVersion string  `json:"policy_version"`
	ModelVersion  string  `json:"model_version"`
	SchemaVersion string  `json:"feature_schema_version"`
}

// VerifyReport is what GET /audit/verify returns
type VerifyReport struct {
	Subject        string `json:"subject"`
	Events         int    `json:"events_checked"`
	Valid          bool   `json:"valid"`
	BrokenSequence int64  `json:"broken_sequence,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func score(t *testing.T, config TestConfig, req ScoreRequest) ScoreResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/score", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result ScoreResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func getJSON(t *testing.T, config TestConfig, path string, out any) int {
	t.Helper()

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(config.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal %s response: %v (body: %s)", path, err, string(respBody))
		}
	}
	return resp.StatusCode
}

func postRaw(t *testing.T, config TestConfig, path string, req any) (int, []byte) {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody
}

func baselineRequest(label string) ScoreRequest {
	return ScoreRequest{
		TransactionID: txnID(label),
		UserID:        fmt.Sprintf("it-user-%d", runID),
		MerchantID:    "it-merchant-001",
		Amount:        45.00,
		Currency:      "USD",
		Type:          "purchase",
		Channel:       "online",
		IPAddress:     "203.0.113.50",
		Country:       "US",
		DeviceID:      "it-device-001",
	}
}

// ============================================================================
// SCENARIO 1: Ordinary Purchase (Approve)
// ============================================================================

func TestOrdinaryPurchase_Approves(t *testing.T) {
	/*
	   SCENARIO: A modest $45 online purchase from a first-seen user

	   EXPECTED BEHAVIOR:
	   - All active models score the transaction; none sees strong fraud signal
	   - Combined score lands below the 0.5 review threshold
	   - Policy maps it to approve / low risk

	   FINAL DECISION: "approve" with is_fraud=false
	*/
	config := getTestConfig()

	result := score(t, config, baselineRequest("ordinary"))

	if result.Decision != "approve" {
		t.Errorf("Expected approve for ordinary purchase, got %s (score %.3f)",
			result.Decision, result.FraudScore)
	}
	if result.IsFraud {
		t.Error("Expected is_fraud=false for ordinary purchase")
	}
	if result.RiskLevel != "low" {
		t.Errorf("Expected low risk, got %s", result.RiskLevel)
	}
	if result.FraudScore < 0 || result.FraudScore >= 0.5 {
		t.Errorf("Expected score in [0, 0.5) for approve, got %.3f", result.FraudScore)
	}

	t.Logf("✓ Ordinary purchase approved: score=%.3f, risk=%s", result.FraudScore, result.RiskLevel)
}

// ============================================================================
// SCENARIO 2: Idempotent Replay (Duplicate Transaction ID)
// ============================================================================

func TestDuplicateSubmission_ReplaysStoredDecision(t *testing.T) {
	/*
	   SCENARIO: The same transaction id is submitted twice, the second time
	   with a different amount (simulating a client retry with drifted data)

	   EXPECTED BEHAVIOR:
	   - First submission scores and commits normally
	   - Second submission does NOT score again: the stored decision is
	     returned verbatim, so scores match exactly
	   - The audit chain gains exactly one event, not two

	   WHY THIS MATTERS:
	   At-least-once delivery from upstream queues means every transaction
	   may arrive more than once. Double-scoring would double-count velocity
	   and could flip a decision between retries.
	*/
	config := getTestConfig()

	req := baselineRequest("replay")
	req.UserID = fmt.Sprintf("it-user-replay-%d", runID)

	first := score(t, config, req)

	retry := req
	retry.Amount = 9999.99 // must be ignored
	second := score(t, config, retry)

	if second.FraudScore != first.FraudScore {
		t.Errorf("Replay changed the score: %.6f vs %.6f", second.FraudScore, first.FraudScore)
	}
	if second.Decision != first.Decision {
		t.Errorf("Replay changed the decision: %s vs %s", second.Decision, first.Decision)
	}

	var events struct {
		Count int `json:"count"`
	}
	path := "/audit/events?user_id=" + req.UserID
	if status := getJSON(t, config, path, &events); status != http.StatusOK {
		t.Fatalf("audit query returned %d", status)
	}
	if events.Count != 1 {
		t.Errorf("Expected 1 audit event after replay, got %d", events.Count)
	}

	t.Logf("✓ Duplicate replayed stored decision: score=%.3f, events=%d", second.FraudScore, events.Count)
}

// ============================================================================
// SCENARIO 3: Decision Provenance
// ============================================================================

func TestDecisionLookup_CarriesProvenance(t *testing.T) {
	/*
	   SCENARIO: Fetch a committed decision by transaction id

	   EXPECTED BEHAVIOR:
	   - GET /decisions/{txnID} returns the stored decision
	   - Policy version, model version, and feature schema version are all
	     recorded, so the decision can be replayed and explained later
	*/
	config := getTestConfig()

	req := baselineRequest("provenance")
	scored := score(t, config, req)

	var stored StoredDecision
	if status := getJSON(t, config, "/decisions/"+req.TransactionID, &stored); status != http.StatusOK {
		t.Fatalf("decision lookup returned %d", status)
	}

	if stored.TransactionID != req.TransactionID {
		t.Errorf("Expected transaction id %s, got %s", req.TransactionID, stored.TransactionID)
	}
	if stored.FraudScore != scored.FraudScore {
		t.Errorf("Stored score %.6f differs from response %.6f", stored.FraudScore, scored.FraudScore)
	}
	if stored.PolicyVersion == "" {
		t.Error("Missing policy_version in stored decision")
	}
	if stored.ModelVersion == "" {
		t.Error("Missing model_version in stored decision")
	}
	if stored.SchemaVersion == "" {
		t.Error("Missing feature_schema_version in stored decision")
	}

	if status := getJSON(t, config, "/decisions/no-such-transaction", nil); status != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown transaction, got %d", status)
	}

	t.Logf("✓ Provenance recorded: policy=%s, model=%s, schema=%s",
		stored.PolicyVersion, stored.ModelVersion, stored.SchemaVersion)
}

// ============================================================================
// SCENARIO 4: Audit Chain Integrity
// ============================================================================

func TestAuditChain_VerifiesAfterScoring(t *testing.T) {
	/*
	   SCENARIO: Score several transactions for one user, then verify the
	   user's audit chain end to end

	   EXPECTED BEHAVIOR:
	   - Each commit appends one event with sequence n+1 linked by prev_hash
	   - GET /audit/verify recomputes every content hash and link and
	     reports the chain valid
	*/
	config := getTestConfig()

	userID := fmt.Sprintf("it-user-chain-%d", runID)
	for i := 0; i < 3; i++ {
		req := baselineRequest(fmt.Sprintf("chain-%d", i))
		req.UserID = userID
		req.Amount = 20.00 + float64(i)
		score(t, config, req)
	}

	var report VerifyReport
	if status := getJSON(t, config, "/audit/verify?user_id="+userID, &report); status != http.StatusOK {
		t.Fatalf("chain verification returned %d", status)
	}

	if !report.Valid {
		t.Errorf("Expected valid chain, broken at seq %d: %s", report.BrokenSequence, report.Reason)
	}
	if report.Events != 3 {
		t.Errorf("Expected 3 events checked, got %d", report.Events)
	}

	if status := getJSON(t, config, "/audit/verify", nil); status != http.StatusBadRequest {
		t.Errorf("Expected 400 for verify without subject, got %d", status)
	}

	t.Logf("✓ Audit chain valid: %d events checked for %s", report.Events, report.Subject)
}

// ============================================================================
// SCENARIO 5: Input Validation
// ============================================================================

func TestValidation_RejectsBadRequests(t *testing.T) {
	/*
	   SCENARIO: Structurally invalid scoring requests

	   EXPECTED: HTTP 400 with an error naming the offending field, and
	   nothing committed (the transaction id stays unknown afterwards)
	*/
	config := getTestConfig()

	cases := []struct {
		name   string
		mutate func(*ScoreRequest)
	}{
		{"MissingUserID", func(r *ScoreRequest) { r.UserID = "" }},
		{"ZeroAmount", func(r *ScoreRequest) { r.Amount = 0 }},
		{"NegativeAmount", func(r *ScoreRequest) { r.Amount = -10 }},
		{"BadCurrency", func(r *ScoreRequest) { r.Currency = "DOLLARS" }},
		{"BadType", func(r *ScoreRequest) { r.Type = "gift" }},
		{"BadChannel", func(r *ScoreRequest) { r.Channel = "carrier-pigeon" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baselineRequest("invalid-" + tc.name)
			tc.mutate(&req)

			status, body := postRaw(t, config, "/score", req)
			if status != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", status, string(body))
			}

			// Rejected requests must leave no trace
			if req.TransactionID != "" {
				if lookupStatus := getJSON(t, config, "/decisions/"+req.TransactionID, nil); lookupStatus != http.StatusNotFound {
					t.Errorf("Rejected transaction was committed: lookup returned %d", lookupStatus)
				}
			}
		})
	}
}

// ============================================================================
// SCENARIO 6: Response Contract
// ============================================================================

func TestScoreResponseContract(t *testing.T) {
	/*
	   SCENARIO: Verify the scoring response includes all required fields

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()

	result := score(t, config, baselineRequest("contract"))

	if result.TransactionID == "" {
		t.Error("Missing transaction_id")
	}
	if result.FraudScore < 0 || result.FraudScore > 1 {
		t.Errorf("Score out of range: %.3f (expected 0-1)", result.FraudScore)
	}
	switch result.RiskLevel {
	case "low", "medium", "high":
	default:
		t.Errorf("Invalid risk_level: %s", result.RiskLevel)
	}
	switch result.Decision {
	case "approve", "review", "decline":
	default:
		t.Errorf("Invalid decision: %s", result.Decision)
	}
	if result.ModelVersion == "" {
		t.Error("Missing model_version")
	}
	if result.TopRiskFactors == nil {
		t.Error("Missing top_risk_factors (expected at least an empty list)")
	}
	for _, f := range result.TopRiskFactors {
		if f.Feature == "" {
			t.Error("Risk factor with empty feature name")
		}
	}
	// Note: ProcessingMs can be ~0 for very fast scores (sub-millisecond)
	if result.ProcessingMs < 0 {
		t.Error("Invalid processing_time_ms (negative)")
	}

	t.Logf("✓ Contract complete: score=%.3f, decision=%s, factors=%d, model=%s",
		result.FraudScore, result.Decision, len(result.TopRiskFactors), result.ModelVersion)
}

// ============================================================================
// SCENARIO 7: Operational Surfaces
// ============================================================================

func TestOperationalEndpoints(t *testing.T) {
	/*
	   SCENARIO: Health, stats, and policy surfaces used by operators

	   EXPECTED BEHAVIOR:
	   - /health reports component status and the active model count
	   - /stats reports process counters plus durable ledger counts
	   - /policy returns the installed policy with its thresholds
	*/
	config := getTestConfig()

	t.Run("Health", func(t *testing.T) {
		var health struct {
			Status       string            `json:"status"`
			Components   map[string]string `json:"components"`
			ActiveModels int               `json:"active_models"`
		}
		if status := getJSON(t, config, "/health", &health); status != http.StatusOK {
			t.Fatalf("health returned %d", status)
		}
		if health.Status != "healthy" {
			t.Errorf("Expected healthy, got %s (components: %v)", health.Status, health.Components)
		}
		if health.ActiveModels == 0 {
			t.Error("Expected at least one active model")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		// Guarantee at least one decision exists before reading stats
		score(t, config, baselineRequest("stats"))

		var stats struct {
			TotalScored     int64  `json:"total_transactions_scored"`
			EnsembleVersion string `json:"ensemble_version"`
			PolicyVersion   string `json:"policy_version"`
		}
		if status := getJSON(t, config, "/stats", &stats); status != http.StatusOK {
			t.Fatalf("stats returned %d", status)
		}
		if stats.TotalScored == 0 {
			t.Error("Expected non-zero total_scored")
		}
		if stats.EnsembleVersion == "" || stats.PolicyVersion == "" {
			t.Errorf("Missing versions in stats: ensemble=%q policy=%q",
				stats.EnsembleVersion, stats.PolicyVersion)
		}
	})

	t.Run("Policy", func(t *testing.T) {
		var policy struct {
			Version         string  `json:"version"`
			HighThreshold   float64 `json:"high_threshold"`
			ReviewThreshold float64 `json:"review_threshold"`
		}
		if status := getJSON(t, config, "/policy", &policy); status != http.StatusOK {
			t.Fatalf("policy returned %d", status)
		}
		if policy.Version == "" {
			t.Error("Missing policy version")
		}
		if policy.ReviewThreshold >= policy.HighThreshold {
			t.Errorf("Threshold ordering violated: review %.2f >= high %.2f",
				policy.ReviewThreshold, policy.HighThreshold)
		}
	})
}
