package ai

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/civigraph/ledger/internal/util"
	"github.com/civigraph/ledger/pkg/logger"
)

// MaxClusterPromptTokens bounds the member list rendered into a cluster
// arbitration prompt. Members beyond the cap are left out of the verdict
// and picked up by a later sweep.
const MaxClusterPromptTokens = 6000

const tokenEncoding = "o200k_base"

var (
	reFirstInt = regexp.MustCompile(`-?\d+`)
	reClusters = regexp.MustCompile(`Clusters:\s*(\[\[.*\]\]|\[\s*\])`)
	reScores   = regexp.MustCompile(`Scores:\s*(\[.*\])`)
)

// CallMatchArbiter asks the oracle which numbered candidate matches the
// query entity. It returns the chosen candidate index, or -1 when the
// oracle declines, answers out of range, or produces unparseable output.
// Only transport failures after maxRetries surface as errors.
func CallMatchArbiter(
	ctx context.Context,
	aiClient AIClient,
	queryText string,
	candidateTexts []string,
	maxRetries int,
) (int, error) {
	if aiClient == nil {
		return -1, fmt.Errorf("ai client is nil")
	}
	if len(candidateTexts) == 0 {
		return -1, nil
	}

	var candidates strings.Builder
	for i, text := range candidateTexts {
		fmt.Fprintf(&candidates, "%d: %s\n", i, NormalizeEntityText(text))
	}
	prompt := fmt.Sprintf(MatchArbiterPrompt, NormalizeEntityText(queryText), candidates.String())

	answer, err := util.RetryWithContext(ctx, maxRetries, func(ctx context.Context) (string, error) {
		return aiClient.GenerateCompletion(ctx, prompt, WithTemperature(0))
	})
	if err != nil {
		return -1, fmt.Errorf("match arbitration failed: %w", err)
	}

	raw := reFirstInt.FindString(answer)
	if raw == "" {
		logger.Debug("[Arbiter] No integer in match answer", "answer", answer)
		return -1, nil
	}
	choice, err := strconv.Atoi(raw)
	if err != nil || choice < 0 || choice >= len(candidateTexts) {
		return -1, nil
	}
	return choice, nil
}

// ClusterVerdict is the parsed result of a cluster arbitration call: a
// partition of the presented member indices and one confidence score per
// sub-cluster.
type ClusterVerdict struct {
	Clusters [][]int
	Scores   []float64

	// Members is the number of member texts actually presented to the
	// oracle after token capping. Indices in Clusters refer to the first
	// Members entries of the input.
	Members int
}

// CallClusterArbiter asks the oracle to partition a set of linked entity
// texts into same-entity sub-clusters. A response whose labeled fields fail
// to parse, or whose partition is inconsistent, yields a nil verdict with
// no error; the caller treats that as "no change".
func CallClusterArbiter(
	ctx context.Context,
	aiClient AIClient,
	memberTexts []string,
	maxRetries int,
) (*ClusterVerdict, error) {
	if aiClient == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if len(memberTexts) < 2 {
		return nil, nil
	}

	members, err := capByTokens(memberTexts, MaxClusterPromptTokens)
	if err != nil {
		return nil, err
	}
	if len(members) < 2 {
		return nil, nil
	}

	var list strings.Builder
	for i, text := range members {
		fmt.Fprintf(&list, "%d: %s\n", i, NormalizeEntityText(text))
	}
	prompt := fmt.Sprintf(ClusterArbiterPrompt, list.String())

	answer, err := util.RetryWithContext(ctx, maxRetries, func(ctx context.Context) (string, error) {
		return aiClient.GenerateCompletion(ctx, prompt, WithTemperature(0))
	})
	if err != nil {
		return nil, fmt.Errorf("cluster arbitration failed: %w", err)
	}

	verdict := parseClusterVerdict(answer, len(members))
	if verdict == nil {
		logger.Warn("[Arbiter] Discarding unparseable cluster answer", "members", len(members))
	}
	return verdict, nil
}

func parseClusterVerdict(answer string, memberCount int) *ClusterVerdict {
	clustersMatch := reClusters.FindStringSubmatch(answer)
	scoresMatch := reScores.FindStringSubmatch(answer)
	if clustersMatch == nil || scoresMatch == nil {
		return nil
	}

	var clusters [][]int
	if err := UnmarshalFlexible(clustersMatch[1], &clusters); err != nil {
		return nil
	}
	var scores []float64
	if err := UnmarshalFlexible(scoresMatch[1], &scores); err != nil {
		return nil
	}

	if len(clusters) != len(scores) {
		return nil
	}
	for _, cluster := range clusters {
		for _, idx := range cluster {
			if idx < 0 || idx >= memberCount {
				return nil
			}
		}
	}

	return &ClusterVerdict{
		Clusters: clusters,
		Scores:   scores,
		Members:  memberCount,
	}
}

func capByTokens(texts []string, budget int) ([]string, error) {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}

	total := 0
	for i, text := range texts {
		total += len(enc.Encode(text, nil, nil))
		if total > budget {
			return texts[:i], nil
		}
	}
	return texts, nil
}

// NormalizeEntityText collapses whitespace in a value before it is rendered
// into a prompt.
func NormalizeEntityText(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return strings.Join(strings.Fields(value), " ")
}
