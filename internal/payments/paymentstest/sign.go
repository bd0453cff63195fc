// Package paymentstest builds signed webhook payloads for tests.
package paymentstest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Signature returns a Stripe-Signature header value for payload signed
// with secret at time ts.
func Signature(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", unix)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

// Event marshals a webhook event of eventType wrapping object.
func Event(id, eventType string, object map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// CheckoutCompleted builds a checkout.session.completed event. Empty plan
// or email leave the field out.
func CheckoutCompleted(sessionID, plan, email string) []byte {
	object := map[string]any{
		"id":     sessionID,
		"object": "checkout.session",
	}
	if plan != "" {
		object["metadata"] = map[string]string{"plan": plan}
	}
	if email != "" {
		object["customer_email"] = email
	}
	return Event("evt_"+sessionID, "checkout.session.completed", object)
}
