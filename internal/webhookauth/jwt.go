package webhookauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// decodeJWTClaimsUnverified extracts the payload segment of a JWT-shaped
// token without checking its signature. It is only ever used to read a
// tenantId hint for routing; actual trust comes from the API-key/HMAC
// checks in Verify, mirroring the teacher's claimString/claimNumber helpers
// in auth.go which operate on an already-verified token's claim map.
func decodeJWTClaimsUnverified(token string) (map[string]any, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	return claims, true
}
