package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doorman/gateway/internal/audit"
	"github.com/doorman/gateway/internal/authz"
	"github.com/doorman/gateway/internal/cache"
	"github.com/doorman/gateway/internal/credit"
	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/logging"
	"github.com/doorman/gateway/internal/metrics"
	"github.com/doorman/gateway/internal/middleware"
	"github.com/doorman/gateway/internal/middleware/realip"
	"github.com/doorman/gateway/internal/proxy"
	"github.com/doorman/gateway/internal/ratelimit"
	"github.com/doorman/gateway/internal/store"
	"github.com/doorman/gateway/internal/transform"
	"github.com/doorman/gateway/internal/validation"
)

// HandleAPI is the gateway pipeline for every /api/{family}/... request.
// The steps run strictly in order; the first terminal error stops the
// pipeline and is rendered as the response. Metrics record fire-and-forget
// at commit time whatever the outcome.
func (a *App) HandleAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := middleware.GetRequestID(r)

	var (
		route    *resolvedRoute
		who      = &caller{}
		rh       rateHeaders
		bytesIn  int64
		bytesOut int64
		retries  int
		status   = http.StatusInternalServerError
	)

	// Commit (step 13): metrics record regardless of outcome. Client
	// disconnects record 499; unknown failures record the synthesized 500.
	defer func() {
		if ctx.Err() != nil && status == http.StatusInternalServerError {
			status = 499
		}
		sample := metrics.Sample{
			Status:   status,
			Duration: time.Since(start),
			Username: who.username(),
			Method:   r.Method,
			BytesIn:  bytesIn,
			BytesOut: bytesOut,
			Retries:  retries,
		}
		if route != nil {
			sample.APIKey = strings.ToLower(string(route.Family)) + ":" + route.API.APIName
			sample.Endpoint = route.Endpoint.URI
		}
		go a.Metrics.Record(sample)
	}()

	fail := func(gwe *gwerrors.Error) {
		status = gwe.HTTPStatus
		a.writeError(w, requestID, gwe)
	}

	// Step 2 (decode): read the body through the ingress size guard; the
	// guard aborts oversized chunked streams mid-read.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.BodyTripped(r) || errorIsBodyTooLarge(err) {
			a.Audit.Emit(audit.Event{
				Actor: who.username(), Action: audit.ActionBodyRejected,
				Target: r.URL.Path, Status: "denied", RequestID: requestID,
			})
			fail(gwerrors.ErrBodyTooLarge)
			return
		}
		fail(gwerrors.Wrap(err, gwerrors.GenInvalidRequest, http.StatusBadRequest, "body read failed"))
		return
	}
	bytesIn = int64(len(body))

	// Step 3: identify. Failure is deferred — public APIs accept anonymous
	// callers, so the reason is only terminal once the API requires auth.
	identified, identityErr := a.identify(ctx, r)
	if identityErr == nil {
		who = identified
	}

	// Step 4-5: resolve API and endpoint.
	var gwe *gwerrors.Error
	route, gwe = a.resolve(ctx, r)
	if gwe != nil {
		route = nil
		fail(gwe)
		return
	}

	// Step 6: authorize.
	if !route.API.Public && who.User == nil {
		// Surface why identification failed rather than a generic denial.
		if identityErr == nil {
			identityErr = gwerrors.ErrTokenMissing
		}
		fail(identityErr)
		return
	}
	clientIP := clientIPOf(r)
	if _, err := a.Authorizer.Authorize(ctx, route.API, who.User, clientIP); err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			fail(gwe)
			return
		}
		fail(gwerrors.ErrInternal)
		return
	}

	// Step 7: rate/throttle.
	if gwe := a.rateStep(ctx, who, route.API, &rh); gwe != nil {
		rh.apply(w)
		if gwe.HTTPStatus == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", retryAfter(rh))
		}
		fail(gwe)
		return
	}

	// Step 8: validate.
	if gwe := a.validateStep(route, body); gwe != nil {
		fail(gwe)
		return
	}

	// Step 9: credit pre-check; the outbound key goes into the extra
	// headers sent with the step 11 dispatch.
	extraHeaders := map[string]string{}
	var creditEntry *store.UserCreditEntry
	if route.API.CreditsEnabled {
		entry, _, gwe := a.creditStep(ctx, who, route.API, extraHeaders)
		if gwe != nil {
			fail(gwe)
			return
		}
		creditEntry = entry
	}

	// Step 10: request transforms (API-level, then endpoint-level).
	reqTransforms := []*store.TransformConfig{route.API.RequestTransform, route.Endpoint.RequestTransform}
	for _, tc := range reqTransforms {
		if tc == nil || tc.Request == nil {
			continue
		}
		applied, err := transform.ApplyRequest(r, tc.Request)
		if err != nil {
			fail(gwerrors.Wrap(err, gwerrors.GenInvalidRequest, http.StatusBadRequest, "request transform failed"))
			return
		}
		if !applied {
			continue
		}
		if len(tc.Request.Body) > 0 {
			body, err = transform.ApplyBody(body, tc.Request.Body)
			if err != nil {
				fail(gwerrors.Wrap(err, gwerrors.GenInvalidRequest, http.StatusBadRequest, "request body transform failed"))
				return
			}
		}
	}

	// Step 11: dispatch.
	routing, clientKey := a.lookupRouting(ctx, r, route.API)
	resp, gwe := a.Dispatcher.Dispatch(ctx, &proxy.Request{
		API:          route.API,
		Endpoint:     route.Endpoint,
		Inbound:      r,
		Body:         body,
		StripPrefix:  route.StripPrefix,
		Routing:      routing,
		ExtraHeaders: extraHeaders,
		WSSecurity:   a.wsSecurityFor(ctx, who, route),
		ClientIP:     clientIP,
		ClientKey:    clientKey,
	})
	if gwe != nil {
		fail(gwe)
		return
	}
	retries = resp.Retries

	// Step 12: response transforms and status remap.
	outStatus := resp.StatusCode
	outBody := resp.Body
	for _, tc := range []*store.TransformConfig{route.Endpoint.ResponseTransform, route.API.ResponseTransform} {
		if tc == nil || tc.Response == nil {
			continue
		}
		matched, err := transform.ConditionMatches(tc.Response.Condition, transform.ConditionEnv{
			Method: r.Method, Path: r.URL.Path, Status: outStatus,
		})
		if err != nil || !matched {
			continue
		}
		transform.ApplyResponseHeaders(resp.Header, tc.Response.Headers)
		if len(tc.Response.Body) > 0 {
			if rewritten, err := transform.ApplyResponseBody(outBody, tc.Response); err == nil {
				outBody = rewritten
			}
		}
		outStatus = transform.RemapStatus(tc.Response.StatusMap, outStatus)
	}

	// Step 13: commit. Credits charge on any definite status below 500.
	if creditEntry != nil && credit.ShouldCharge(outStatus) {
		if err := a.Credits.PostDeduct(ctx, who.username(), route.API.CreditGroup, 1, creditEntry.ResetDate); err != nil {
			logging.Error("credit deduction failed",
				zap.String("request_id", requestID),
				zap.String("username", who.username()),
				zap.Error(err))
		}
	}

	// Step 14: respond.
	status = outStatus
	bytesOut = int64(len(outBody))
	copyUpstreamHeaders(w, resp.Header)
	rh.apply(w)
	a.CORS.NarrowTo(route.API.CORSAllowOrigins).ApplyHeaders(w, r)
	a.writeUpstream(w, outStatus, outBody)
}

func errorIsBodyTooLarge(err error) bool {
	var gwe *gwerrors.Error
	return errors.As(err, &gwe) && gwe.ErrCode == gwerrors.ReqBodyTooLarge
}

func clientIPOf(r *http.Request) string {
	if ip := realip.FromContext(r.Context()); ip != "" {
		return ip
	}
	return authz.ClientIPFromRequest(r)
}

func retryAfter(rh rateHeaders) string {
	secs := int(time.Until(rh.ResetAt).Seconds())
	if secs < 0 {
		secs = 0
	}
	return strconv.Itoa(secs)
}

// rateStep runs the caller's rate/throttle checks. A user assigned to a
// tier gets the tier's burst allowance plus its three concentric windows;
// a user without one falls back to their explicit rate/throttle fields.
// Anonymous callers to public APIs skip user limits (the ingress IP limiter
// still applies to them).
func (a *App) rateStep(ctx context.Context, who *caller, api *store.API, rh *rateHeaders) *gwerrors.Error {
	user := who.User
	if user == nil {
		return nil
	}

	if user.Tier != "" {
		if tier, ok := a.lookupTier(ctx, user.Tier); ok {
			return a.tierRateStep(ctx, user, api, tier, rh)
		}
	}
	return a.fallbackRateStep(ctx, user, api, rh)
}

// tierRateStep enforces a tier: burst bucket first, then the minute/hour/day
// windows; on overflow the tier either queues the caller up to
// max_queue_time_ms or rejects outright.
func (a *App) tierRateStep(ctx context.Context, user *store.User, api *store.API, tier *store.Tier, rh *rateHeaders) *gwerrors.Error {
	limit := ratelimit.TightestLimit(tier)
	if limit <= 0 {
		return nil
	}

	if tier.BurstAllowance > 0 {
		if !a.RateLimit.CheckBurst(a.burst, user.Username, api.APIID, limit, time.Minute, tier.BurstAllowance) {
			return gwerrors.ErrRateLimited
		}
	}

	res, err := a.RateLimit.CheckUserTier(ctx, user.Username, api.APIID, tier)
	if err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			return gwe
		}
		return gwerrors.ErrInternal
	}
	rh.capture(limit, res)
	if res.Allowed {
		return nil
	}

	if !tier.Throttle || tier.MaxQueueTimeMS <= 0 {
		return gwerrors.ErrRateLimited
	}
	wait := time.Duration(tier.MaxQueueTimeMS) * time.Millisecond
	if wait < ratelimit.MaxQueueTimeFloor {
		wait = ratelimit.MaxQueueTimeFloor
	}
	select {
	case <-ctx.Done():
		return gwerrors.ErrRateLimited
	case <-time.After(wait):
		return nil
	}
}

// fallbackRateStep enforces the user-level fields: a single sliding window
// plus the soft throttle queue.
func (a *App) fallbackRateStep(ctx context.Context, user *store.User, api *store.API, rh *rateHeaders) *gwerrors.Error {
	if user.RateLimitDuration <= 0 {
		return nil
	}

	window := windowFor(user.RateLimitDurationType)
	res, err := a.RateLimit.CheckUserRate(ctx, user.Username, api.APIID, user.RateLimitDuration, window)
	if err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			return gwe
		}
		return gwerrors.ErrInternal
	}
	rh.capture(user.RateLimitDuration, res)
	if res.Allowed {
		return nil
	}

	// Over the limit: throttle queue fallback delays instead of rejecting
	// when the user has throttle fields, until the queue cap is hit.
	decision, err := a.RateLimit.Throttle(ctx, user, func() (int, error) {
		depth, derr := a.Counters.Get(ctx, "throttle_queue:"+user.Username)
		return int(depth), derr
	})
	if err != nil {
		return gwerrors.ErrInternal
	}
	if decision.QueueFull {
		return gwerrors.ErrThrottled
	}
	if decision.Wait <= 0 {
		return gwerrors.ErrRateLimited
	}

	// Count ourselves into the queue for the duration of the wait.
	queueKey := "throttle_queue:" + user.Username
	a.Counters.Incr(ctx, queueKey, 1, int64(window/time.Second)+1)
	defer a.Counters.Incr(ctx, queueKey, -1, 0)

	select {
	case <-ctx.Done():
		return gwerrors.ErrRateLimited
	case <-time.After(decision.Wait):
		return nil
	}
}

// lookupTier loads a tier by name. A user naming a tier that no longer
// exists falls back to their user-level fields rather than erroring.
func (a *App) lookupTier(ctx context.Context, name string) (*store.Tier, bool) {
	tier := &store.Tier{}
	if err := a.Store.FindOne(ctx, store.CollTiers, store.Filter{"TierName": name}, tier); err != nil {
		return nil, false
	}
	return tier, true
}

func windowFor(durationType string) time.Duration {
	switch durationType {
	case "second":
		return time.Second
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// validateStep applies the endpoint's validation schema to the request
// shape appropriate for the protocol family.
func (a *App) validateStep(route *resolvedRoute, body []byte) *gwerrors.Error {
	schema := route.Endpoint.ValidationSchema
	if schema == nil {
		return nil
	}

	var doc []byte
	var err error
	switch route.Family {
	case familySOAP:
		doc, err = validation.SOAPBodyJSON(body)
	case familyGraphQL:
		doc, err = validation.GraphQLVariablesJSON(body, proxy.OperationName(body))
	case familyGRPC:
		doc, err = validation.GRPCMessageJSON(body)
	default:
		doc = body
	}
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.ValInvalidJSON, http.StatusBadRequest, "request body could not be parsed for validation")
	}

	result := validation.Validate(schema, doc)
	if result.OK() {
		return nil
	}
	first := result.Errors[0]
	return gwerrors.New(gwerrors.GenValidationErr, http.StatusUnprocessableEntity, "request validation failed").
		WithDetails(first.Path + ": " + first.Message)
}

// creditStep runs the pre-deduction check and resolves the outbound API key.
func (a *App) creditStep(ctx context.Context, who *caller, api *store.API, headers map[string]string) (*store.UserCreditEntry, *store.CreditDefinition, *gwerrors.Error) {
	if who.User == nil {
		return nil, nil, gwerrors.ErrInsufficientCredits.WithDetails("credited apis require an authenticated caller")
	}

	entry, err := a.Credits.PreCheck(ctx, who.User.Username, api.CreditGroup)
	if err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			return nil, nil, gwe
		}
		return nil, nil, gwerrors.ErrInternal
	}

	def, gwe := a.lookupCreditDef(ctx, api.CreditGroup)
	if gwe != nil {
		return nil, nil, gwe
	}

	key, kerr := a.Credits.OutboundKey(def)
	if kerr != nil {
		return nil, nil, gwerrors.Wrap(kerr, gwerrors.CrdGetUserError, http.StatusInternalServerError, "credit key unavailable")
	}
	header := def.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	headers[header] = string(key)
	return entry, def, nil
}

// lookupCreditDef loads a credit definition cache-aside.
func (a *App) lookupCreditDef(ctx context.Context, group string) (*store.CreditDefinition, *gwerrors.Error) {
	def := &store.CreditDefinition{}
	if a.Cache.Get(ctx, cache.PrefixCreditDef, group, def) {
		return def, nil
	}
	if err := a.Store.FindOne(ctx, store.CollCreditDefs, store.Filter{"APICreditGroup": group}, def); err != nil {
		return nil, gwerrors.New(gwerrors.CrdNotFound, http.StatusForbidden, "credit group is not configured")
	}
	a.Cache.Set(ctx, cache.PrefixCreditDef, group, def)
	return def, nil
}

// wsSecurityFor resolves SOAP WS-Security credentials from the caller's
// vault entries ("soap_username"/"soap_password"), when present. The vault
// key derives from the caller's (email, username) identity, so a user
// record without an email cannot open vault values.
func (a *App) wsSecurityFor(ctx context.Context, who *caller, route *resolvedRoute) *proxy.WSSecurity {
	if route.Family != familySOAP || who.User == nil || who.User.Email == "" {
		return nil
	}

	entry := &store.VaultEntry{}
	err := a.Store.FindOne(ctx, store.CollVaultEntries, store.Filter{
		"Username": who.User.Username, "KeyName": "soap_password",
	}, entry)
	if err != nil {
		return nil
	}
	password, err := a.Vault.Open(who.User.Email, who.User.Username, entry.EncryptedValue)
	if err != nil {
		logging.Warn("vault soap credential unreadable", zap.String("username", who.User.Username), zap.Error(err))
		return nil
	}

	username := who.User.Username
	userEntry := &store.VaultEntry{}
	if err := a.Store.FindOne(ctx, store.CollVaultEntries, store.Filter{
		"Username": who.User.Username, "KeyName": "soap_username",
	}, userEntry); err == nil {
		if v, err := a.Vault.Open(who.User.Email, who.User.Username, userEntry.EncryptedValue); err == nil {
			username = string(v)
		}
	}

	return &proxy.WSSecurity{
		Username:     username,
		Password:     string(password),
		PasswordType: proxy.PasswordDigestSHA256,
		UseNonce:     true,
	}
}
