package runtime

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// cqPlaceholderLimit caps how many CQ segments are shielded from the
// redaction patterns. Text past the limit is redacted as-is, which can
// at worst mangle a CQ code, never leak an id.
const cqPlaceholderLimit = 8

// maxNameLookups caps id-to-name resolution calls per message.
const maxNameLookups = 8

// memberFallback stands in for an id whose display name cannot be
// resolved.
const memberFallback = "成员"

var (
	cqSegRe      = regexp.MustCompile(`\[CQ:[^\]]*\]`)
	atQQRe       = regexp.MustCompile(`@(\d{5,12})`)
	parenQQRe    = regexp.MustCompile(`[（(](\d{5,12})[）)]`)
	qqFieldRe    = regexp.MustCompile(`(?i)\b(qq|uin)\s*=\s*(\d{5,12})`)
	bareIDRe     = regexp.MustCompile(`\b\d{5,12}\b`)
	placeholder  = "__NBOT_CQ_SEG_%d__"
	placeholderR = regexp.MustCompile(`__NBOT_CQ_SEG_(\d+)__`)
)

// NameResolver maps a numeric platform id to a display name. The group
// id may be empty when the text has no group context.
type NameResolver interface {
	ResolveName(ctx context.Context, groupID, userID string) (string, bool)
}

// RedactQQIDs masks QQ numbers in user-visible text before it leaves
// the process. Without a resolver every id degrades to its masked form.
func RedactQQIDs(text string) string {
	return RedactSensitiveIDs(context.Background(), nil, "", nil, text)
}

// RedactSensitiveIDs masks QQ numbers in user-visible text, swapping
// known ids for their display names where the resolver can supply one.
// CQ segments keep their ids (the platform needs them), so they are
// shielded behind placeholders first and restored afterwards. Bare
// digit runs trigger at most maxNameLookups resolutions; unresolved ids
// fall back to the member placeholder so no raw id survives.
func RedactSensitiveIDs(ctx context.Context, resolver NameResolver, groupID string, knownIDs []string, text string) string {
	var segments []string
	protected := cqSegRe.ReplaceAllStringFunc(text, func(seg string) string {
		if len(segments) >= cqPlaceholderLimit {
			return seg
		}
		segments = append(segments, seg)
		return fmt.Sprintf(placeholder, len(segments)-1)
	})

	lookups := 0
	names := map[string]string{}
	resolve := func(id string) string {
		if name, ok := names[id]; ok {
			return name
		}
		name := memberFallback
		if resolver != nil && lookups < maxNameLookups {
			lookups++
			if n, ok := resolver.ResolveName(ctx, groupID, id); ok && n != "" {
				name = n
			}
		}
		names[id] = name
		return name
	}

	// Ids known from the event context first, by exact substitution.
	for _, id := range knownIDs {
		if !bareIDRe.MatchString(id) {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(id) + `\b`)
		if err != nil || !re.MatchString(protected) {
			continue
		}
		protected = re.ReplaceAllLiteralString(protected, resolve(id))
	}

	protected = atQQRe.ReplaceAllString(protected, "@用户")
	protected = parenQQRe.ReplaceAllString(protected, "(已隐藏)")
	protected = qqFieldRe.ReplaceAllString(protected, "${1}=已隐藏")

	// Opportunistic pass over whatever digit runs remain.
	protected = bareIDRe.ReplaceAllStringFunc(protected, resolve)

	return placeholderR.ReplaceAllStringFunc(protected, func(p string) string {
		var idx int
		if _, err := fmt.Sscanf(p, strings.ReplaceAll(placeholder, "%d", "%d"), &idx); err != nil {
			return p
		}
		if idx < 0 || idx >= len(segments) {
			return p
		}
		return segments[idx]
	})
}
