package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// authKey is the fasthttp user-value key the bearer-auth middleware stores
// the matched key's friendly name under.
const authKey = "api_key_name"

// authenticate checks the presented bearer token against every enabled
// key: a SHA-256 hex digest match against a stored hash wins first; only
// if that fails is the token compared literally against a stored key. Both
// checks run against every enabled key, so one config entry can't shadow
// another.
func authenticate(keys []config.APIKeyConfig, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := bearerToken(ctx)
		if token == "" {
			unauthorized(ctx, "missing bearer token")
			return
		}

		sum := sha256.Sum256([]byte(token))
		hexSum := hex.EncodeToString(sum[:])

		for _, k := range keys {
			if !k.Enabled {
				continue
			}
			if strings.EqualFold(k.KeyMaterial, hexSum) {
				ctx.SetUserValue(authKey, k.FriendlyName)
				next(ctx)
				return
			}
		}
		for _, k := range keys {
			if !k.Enabled {
				continue
			}
			if k.KeyMaterial == token {
				ctx.SetUserValue(authKey, k.FriendlyName)
				next(ctx)
				return
			}
		}

		unauthorized(ctx, "invalid api key")
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	h := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func unauthorized(ctx *fasthttp.RequestCtx, message string) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":{"type":"unauthorized","message":"` + message + `"}}`)
}

func apiKeyName(ctx *fasthttp.RequestCtx) string {
	v, _ := ctx.UserValue(authKey).(string)
	return v
}
