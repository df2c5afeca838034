package main

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Council runs the 3-stage pipeline: parallel collection, anonymized peer
// ranking, chairman synthesis. A Council value holds everything a request
// needs, so requests never touch ambient state; handlers shallow-copy it to
// narrow the member set per request.
type Council struct {
	Gateway      ModelGateway
	Members      []string
	Chairman     string
	TitleModel   string
	QueryTimeout time.Duration
	TitleTimeout time.Duration
	Confidence   ConfidencePolicy
}

// NewCouncil builds a council from config with the default confidence policy.
func NewCouncil(cfg *Config, gateway ModelGateway) *Council {
	return &Council{
		Gateway:      gateway,
		Members:      cfg.CouncilModels,
		Chairman:     cfg.ChairmanModel,
		TitleModel:   cfg.TitleModel,
		QueryTimeout: cfg.ModelQueryTimeout,
		TitleTimeout: cfg.TitleGenTimeout,
		Confidence:   DefaultConfidencePolicy(),
	}
}

// evaluationRubric is the fixed weighted criteria members rank against.
var evaluationRubric = []struct {
	Criterion string
	Weight    int
}{
	{"Correctness", 40},
	{"Security", 20},
	{"Code quality", 15},
	{"Performance", 10},
	{"Maintainability", 10},
	{"Standard practices", 5},
}

// rubricText renders the rubric for embedding in ranking prompts.
func rubricText() string {
	var b strings.Builder
	for _, c := range evaluationRubric {
		fmt.Fprintf(&b, "- %s: %d%%\n", c.Criterion, c.Weight)
	}
	return b.String()
}

// Stage1CollectResponses dispatches the user's query to every member
// concurrently and collects the raw completions, ordered by the configured
// member list. A failed member is excluded, not fatal; zero successes fails
// the stage with ErrNoResponses.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string) ([]Stage1Response, []string, error) {
	messages := []ChatMessage{
		{Role: "user", Content: userQuery},
	}

	responses, failed := QueryModelsParallel(ctx, c.Gateway, c.Members, messages, c.QueryTimeout)

	// Keep configured member order so labels and tie-breaks are deterministic.
	var stage1Results []Stage1Response
	for _, model := range c.Members {
		if response, ok := responses[model]; ok {
			stage1Results = append(stage1Results, Stage1Response{
				Model:    model,
				Response: response,
			})
		}
	}

	if len(stage1Results) == 0 {
		return nil, failed, ErrNoResponses
	}
	return stage1Results, failed, nil
}

// Stage2CollectRankings has each member evaluate the anonymized Stage 1
// responses against the weighted rubric and parses each evaluation into an
// ordered preference list. A member whose evaluation cannot be parsed keeps
// its raw text but casts no vote. Returns the rankings and the
// label-to-model mapping for de-anonymization.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response) ([]Stage2Ranking, map[string]string, error) {
	// Anonymized labels (Response A, B, C...) in Stage 1 order, so members
	// cannot identify their own work by name.
	labelToModel := make(map[string]string)
	var responsesText strings.Builder

	for i, result := range stage1Results {
		label := fmt.Sprintf("Response %c", rune('A'+i))
		labelToModel[label] = result.Model
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", label, result.Response)
	}

	rankingPrompt := fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Evaluate every response against these weighted criteria:

%s
Your task:
1. First, evaluate each response individually against the criteria above. Weight your judgement accordingly: correctness matters most, then security.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Now provide your evaluation and ranking:`, userQuery, responsesText.String(), rubricText())

	messages := []ChatMessage{
		{Role: "user", Content: rankingPrompt},
	}

	responses, _ := QueryModelsParallel(ctx, c.Gateway, c.Members, messages, c.QueryTimeout)

	var stage2Results []Stage2Ranking
	for _, model := range c.Members {
		fullText, ok := responses[model]
		if !ok {
			continue
		}
		parsed := ParseRankingFromText(fullText)
		if len(parsed) == 0 {
			// Vote excluded, stage proceeds.
			log.Printf("WARN: %v for member %s", ErrRankingParse, model)
			parsed = nil
		}
		stage2Results = append(stage2Results, Stage2Ranking{
			Model:         model,
			Ranking:       fullText,
			ParsedRanking: parsed,
		})
	}

	return stage2Results, labelToModel, nil
}

// rankingPatterns for extracting preference lists from free-text evaluations.
var (
	numberedRankPattern  = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	responseLabelPattern = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRankingFromText extracts an ordered preference list from a member's
// free-text evaluation. Prefers a numbered list under the "FINAL RANKING:"
// marker, then any labels in that section, then any labels anywhere in the
// text. Duplicate labels keep their first position. Returns an empty slice
// when nothing usable is found; callers treat that as an excluded vote.
func ParseRankingFromText(rankingText string) []string {
	section := rankingText
	if _, after, found := strings.Cut(rankingText, "FINAL RANKING:"); found {
		section = after

		if numbered := numberedRankPattern.FindAllString(section, -1); len(numbered) > 0 {
			var results []string
			for _, match := range numbered {
				if label := responseLabelPattern.FindString(match); label != "" {
					results = append(results, label)
				}
			}
			return dedupeLabels(results)
		}
	}

	return dedupeLabels(responseLabelPattern.FindAllString(section, -1))
}

func dedupeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	results := make([]string, 0, len(labels))
	for _, label := range labels {
		if !seen[label] {
			seen[label] = true
			results = append(results, label)
		}
	}
	return results
}

// CalculateAggregateRankings computes the consensus ordering: each response's
// average rank position across all parseable member votes, ascending. A
// response no member ranked sorts last with a worst-case average. Ties break
// by original response order, so identical input always yields identical
// output regardless of member completion order.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labelToModel map[string]string, responseOrder []string) []AggregateRanking {
	modelPositions := make(map[string][]int)

	for _, ranking := range stage2Results {
		for position, label := range ranking.ParsedRanking {
			if modelName, ok := labelToModel[label]; ok {
				modelPositions[modelName] = append(modelPositions[modelName], position+1)
			}
		}
	}

	orderIndex := make(map[string]int, len(responseOrder))
	aggregate := make([]AggregateRanking, 0, len(responseOrder))
	for i, model := range responseOrder {
		orderIndex[model] = i

		positions := modelPositions[model]
		if len(positions) == 0 {
			aggregate = append(aggregate, AggregateRanking{
				Model:       model,
				AverageRank: float64(len(responseOrder)),
			})
			continue
		}

		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   float64(sum) / float64(len(positions)),
			RankingsCount: len(positions),
		})
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		return orderIndex[aggregate[i].Model] < orderIndex[aggregate[j].Model]
	})

	return aggregate
}

// Stage3Synthesize sends the chairman the aggregate-ranked responses
// (best-first) and derives a verified confidence score from its answer.
// Chairman failure is fatal to the request: no member is promoted in its
// place.
func (c *Council) Stage3Synthesize(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, aggregate []AggregateRanking) (*Stage3Response, error) {
	responseByModel := make(map[string]string, len(stage1Results))
	for _, result := range stage1Results {
		responseByModel[result.Model] = result.Response
	}

	// Present responses best-first per the consensus ordering.
	var rankedText strings.Builder
	for i, agg := range aggregate {
		fmt.Fprintf(&rankedText, "Rank %d (average peer rank %.2f, %d votes) - Model %s:\n%s\n\n",
			i+1, agg.AverageRank, agg.RankingsCount, agg.Model, responseByModel[agg.Model])
	}

	var rankingsText strings.Builder
	for _, result := range stage2Results {
		fmt.Fprintf(&rankingsText, "Model: %s\nRanking: %s\n\n", result.Model, result.Ranking)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have answered a user's question and then ranked each other's answers against weighted criteria (correctness weighted highest, then security).

Original Question: %s

RESPONSES, ordered best-first by the council's consensus ranking:
%s

RAW PEER EVALUATIONS:
%s

Your task as Chairman is to synthesize all of this into a single, comprehensive, accurate answer. Prefer the higher-ranked, consensus-backed solutions; prefer correctness and security over novelty. If the question states explicit requirements (a function signature, required error handling), your answer must satisfy them exactly.

End your answer with a line of the form "CONFIDENCE: NN" where NN is 0-100, your honest confidence that the answer is correct and meets every stated requirement.`, userQuery, rankedText.String(), rankingsText.String())

	messages := []ChatMessage{
		{Role: "user", Content: chairmanPrompt},
	}

	answer, err := c.Gateway.Chat(ctx, c.Chairman, messages, c.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChairmanUnavailable, err)
	}

	votesParsed := 0
	for _, result := range stage2Results {
		if len(result.ParsedRanking) > 0 {
			votesParsed++
		}
	}

	confidence, violations := c.Confidence.Score(SynthesisReport{
		Query:       userQuery,
		Answer:      answer,
		VotesParsed: votesParsed,
		VotesTotal:  len(stage2Results),
	})

	return &Stage3Response{
		Model:      c.Chairman,
		Response:   StripConfidenceLine(answer),
		Confidence: confidence,
		Violations: violations,
	}, nil
}

// degradedConfidence is the fixed score attached to a partial result returned
// when the outer deadline expires before synthesis.
const degradedConfidence = 30

// Run executes the full pipeline. Stages are strictly sequential; within a
// stage all member calls run concurrently. When the outer deadline expires
// after Stage 1 has resolved, Run returns the best available partial result
// flagged as degraded instead of failing the request.
func (c *Council) Run(ctx context.Context, userQuery string) (*CouncilResult, error) {
	stage1Results, failed, err := c.Stage1CollectResponses(ctx, userQuery)
	if err != nil {
		return nil, fmt.Errorf("stage 1: %w", err)
	}

	responseOrder := make([]string, len(stage1Results))
	for i, result := range stage1Results {
		responseOrder[i] = result.Model
	}

	if ctx.Err() != nil {
		return c.degradedResult(stage1Results, nil, nil, failed), nil
	}

	stage2Results, labelToModel, err := c.Stage2CollectRankings(ctx, userQuery, stage1Results)
	if err != nil {
		return nil, fmt.Errorf("stage 2: %w", err)
	}
	aggregate := CalculateAggregateRankings(stage2Results, labelToModel, responseOrder)

	if ctx.Err() != nil {
		return c.degradedResult(stage1Results, stage2Results, aggregate, failed), nil
	}

	stage3Result, err := c.Stage3Synthesize(ctx, userQuery, stage1Results, stage2Results, aggregate)
	if err != nil {
		return nil, fmt.Errorf("stage 3: %w", err)
	}

	return &CouncilResult{
		Stage1: stage1Results,
		Stage2: stage2Results,
		Stage3: *stage3Result,
		Metadata: Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregate,
			FailedMembers:     failed,
		},
	}, nil
}

// degradedResult returns the best Stage 1 response as the final answer: the
// consensus winner when Stage 2 finished, otherwise the first member in
// configured order.
func (c *Council) degradedResult(stage1Results []Stage1Response, stage2Results []Stage2Ranking, aggregate []AggregateRanking, failed []string) *CouncilResult {
	best := stage1Results[0]
	if len(aggregate) > 0 {
		for _, result := range stage1Results {
			if result.Model == aggregate[0].Model {
				best = result
				break
			}
		}
	}

	log.Printf("WARN: request deadline expired before synthesis, returning degraded result from %s", best.Model)

	return &CouncilResult{
		Stage1: stage1Results,
		Stage2: stage2Results,
		Stage3: Stage3Response{
			Model:      best.Model,
			Response:   best.Response,
			Confidence: degradedConfidence,
		},
		Metadata: Metadata{
			AggregateRankings: aggregate,
			FailedMembers:     failed,
			Degraded:          true,
		},
	}
}

// GenerateTitle produces a short display title for a conversation using the
// configured title model.
func (c *Council) GenerateTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []ChatMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := c.Gateway.Chat(ctx, c.TitleModel, messages, c.TitleTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(response), "\"'")
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	return title, nil
}
