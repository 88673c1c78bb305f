package extractor

import (
	"strings"

	"callnote-sync/internal/llm"
	"callnote-sync/internal/types"
)

// DefaultDecoding is fixed for every call; extraction quality was tuned against it.
var DefaultDecoding = llm.DecodingConfig{
	Temperature:   0.8,
	TopP:          0.999,
	MaxTokens:     2000,
	StopSequences: []string{"\n\nHuman:"},
}

const promptTemplate = `Human: 次の文章は、霊園・墓地を管理している事業者とその事業者に要件があり電話した人（お客様）との録音音声を文字起こししたものです。
以下の内容を文章から読み取り、指定されたキーと値のペアを持つJSON形式で応答してください。

1. "category": お客様の区分を電話内容によって、{{categories}}に分けてください。また、お墓参りについてや開園時間、最寄り駅などの質問は対象外に含まれます。
2. "customer_info": お客様の区分を、以前に霊園・墓地の事業者とやり取りがなかったら新規、以前にお墓を施工していた場合や霊園・墓地の事業者がお客様を知得していた場合はその他としてください。
3. "customer_name": お客様の名前を教えてください。漢字の説明がない場合はカタカナにしてください。
4. "next_action": 今後の対応(資料送付、検討、折り返し電話、何月何日に見学など)を教えてください。
5. "status": categoryがお墓の相談、見学予約、資料送付、墓じまい相談、不通だった場合、有効としてください。それ以外は無効としてください。
6. "summary_content": 以下の項目をキーとするオブジェクトで、項目ごとに通話内容を要約してください。
{{topics}}

JSON形式の応答では、指定されたキーを必ず使用し、対応する値を提供してください。情報が欠落している場合は、空の文字列を使用してください。JSON以外の文章は出力しないでください。

{{transcript}}
`

// BuildPrompt embeds the rendered transcript verbatim.
func BuildPrompt(transcript types.Transcript) string {
	categories := []string{
		types.CategoryConsultation.Label(),
		types.CategoryTourReservation.Label(),
		types.CategoryBrochureRequest.Label(),
		types.CategoryClosureConsult.Label(),
		types.CategoryNotApplicable.Label(),
		types.CategoryUnreachable.Label(),
	}
	topics := make([]string, 0, len(types.SummaryTopics))
	for _, topic := range types.SummaryTopics {
		topics = append(topics, "    - "+topic)
	}

	return strings.NewReplacer(
		"{{categories}}", strings.Join(categories, "、"),
		"{{topics}}", strings.Join(topics, "\n"),
		"{{transcript}}", transcript.RenderedText,
	).Replace(promptTemplate)
}
