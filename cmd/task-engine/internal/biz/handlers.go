package biz

import (
	"context"
	"encoding/json"
	"fmt"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// ProviderClient 外部协作方（LLM服务、同步网关、报表引擎）。
// 任务体通过它产生真实成本，具体线协议对本服务不可见
type ProviderClient interface {
	// Invoke 执行一次外部操作，返回结果与本次产生的成本
	Invoke(ctx context.Context, operation string, payload map[string]interface{}) (json.RawMessage, float64, error)
}

// 单位成本预估，准入检查用。真实成本以Provider返回为准
const (
	unitCostGeneration = 2.0
	unitCostSyncPage   = 0.1
	unitCostReport     = 5.0
	unitCostCodeFile   = 0.05
)

// stepRunner 分步执行骨架：按步调用Provider、累计成本、上报进度、
// 在每步之间的安全点检查取消
type stepRunner struct {
	provider ProviderClient
	log      *log.Helper
}

func (r *stepRunner) run(
	ctx context.Context,
	operation string,
	steps []map[string]interface{},
	report ProgressFunc,
	cancelled CancelCheck,
) (json.RawMessage, float64, error) {
	var totalCost float64
	results := make([]json.RawMessage, 0, len(steps))

	report(0)
	for i, payload := range steps {
		if cancelled() {
			return nil, totalCost, context.Canceled
		}

		out, cost, err := r.provider.Invoke(ctx, operation, payload)
		totalCost += cost
		if err != nil {
			return nil, totalCost, fmt.Errorf("%s step %d/%d: %w", operation, i+1, len(steps), err)
		}
		results = append(results, out)
		report((i + 1) * 100 / len(steps))
	}

	merged, err := json.Marshal(results)
	if err != nil {
		return nil, totalCost, fmt.Errorf("failed to encode %s result: %w", operation, err)
	}
	return merged, totalCost, nil
}

// GenerationHandler AI文档生成任务
type GenerationHandler struct {
	runner *stepRunner
}

// GenerationArgs 生成任务参数
type GenerationArgs struct {
	Prompt   string `json:"prompt"`
	Sections int    `json:"sections"`
}

// NewGenerationHandler 创建生成任务处理器
func NewGenerationHandler(provider ProviderClient, logger log.Logger) *GenerationHandler {
	return &GenerationHandler{runner: &stepRunner{
		provider: provider,
		log:      log.NewHelper(log.With(logger, "module", "handler-generation")),
	}}
}

// Kind 任务类型
func (h *GenerationHandler) Kind() domain.TaskKind { return domain.TaskKindGeneration }

// EstimateCost 成本预估
func (h *GenerationHandler) EstimateCost(args json.RawMessage) float64 {
	var a GenerationArgs
	_ = json.Unmarshal(args, &a)
	if a.Sections <= 0 {
		a.Sections = 1
	}
	return unitCostGeneration * float64(a.Sections)
}

// Run 执行任务体
func (h *GenerationHandler) Run(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
	var a GenerationArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, 0, fmt.Errorf("invalid generation args: %w", err)
	}
	if a.Sections <= 0 {
		a.Sections = 1
	}

	steps := make([]map[string]interface{}, a.Sections)
	for i := range steps {
		steps[i] = map[string]interface{}{"prompt": a.Prompt, "section": i + 1}
	}
	return h.runner.run(ctx, "generate", steps, report, cancelled)
}

// SyncHandler 数据源批量同步任务
type SyncHandler struct {
	runner *stepRunner
}

// SyncArgs 同步任务参数
type SyncArgs struct {
	Source string `json:"source"`
	Pages  int    `json:"pages"`
}

// NewSyncHandler 创建同步任务处理器
func NewSyncHandler(provider ProviderClient, logger log.Logger) *SyncHandler {
	return &SyncHandler{runner: &stepRunner{
		provider: provider,
		log:      log.NewHelper(log.With(logger, "module", "handler-sync")),
	}}
}

// Kind 任务类型
func (h *SyncHandler) Kind() domain.TaskKind { return domain.TaskKindSync }

// EstimateCost 成本预估
func (h *SyncHandler) EstimateCost(args json.RawMessage) float64 {
	var a SyncArgs
	_ = json.Unmarshal(args, &a)
	if a.Pages <= 0 {
		a.Pages = 10
	}
	return unitCostSyncPage * float64(a.Pages)
}

// Run 执行任务体
func (h *SyncHandler) Run(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
	var a SyncArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, 0, fmt.Errorf("invalid sync args: %w", err)
	}
	if a.Source == "" {
		return nil, 0, fmt.Errorf("sync source is required")
	}
	if a.Pages <= 0 {
		a.Pages = 10
	}

	steps := make([]map[string]interface{}, a.Pages)
	for i := range steps {
		steps[i] = map[string]interface{}{"source": a.Source, "page": i + 1}
	}
	return h.runner.run(ctx, "sync", steps, report, cancelled)
}

// ReportHandler 报表构建任务
type ReportHandler struct {
	runner *stepRunner
}

// ReportArgs 报表任务参数
type ReportArgs struct {
	Template string   `json:"template"`
	Datasets []string `json:"datasets"`
}

// NewReportHandler 创建报表任务处理器
func NewReportHandler(provider ProviderClient, logger log.Logger) *ReportHandler {
	return &ReportHandler{runner: &stepRunner{
		provider: provider,
		log:      log.NewHelper(log.With(logger, "module", "handler-report")),
	}}
}

// Kind 任务类型
func (h *ReportHandler) Kind() domain.TaskKind { return domain.TaskKindReport }

// EstimateCost 成本预估
func (h *ReportHandler) EstimateCost(args json.RawMessage) float64 {
	return unitCostReport
}

// Run 执行任务体
func (h *ReportHandler) Run(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
	var a ReportArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, 0, fmt.Errorf("invalid report args: %w", err)
	}
	if len(a.Datasets) == 0 {
		a.Datasets = []string{"default"}
	}

	steps := make([]map[string]interface{}, 0, len(a.Datasets)+1)
	for _, ds := range a.Datasets {
		steps = append(steps, map[string]interface{}{"template": a.Template, "dataset": ds})
	}
	steps = append(steps, map[string]interface{}{"template": a.Template, "render": true})
	return h.runner.run(ctx, "report", steps, report, cancelled)
}

// CodeDocsHandler 代码文档生成任务
type CodeDocsHandler struct {
	runner *stepRunner
}

// CodeDocsArgs 代码文档任务参数
type CodeDocsArgs struct {
	Repository string `json:"repository"`
	Files      int    `json:"files"`
}

// NewCodeDocsHandler 创建代码文档任务处理器
func NewCodeDocsHandler(provider ProviderClient, logger log.Logger) *CodeDocsHandler {
	return &CodeDocsHandler{runner: &stepRunner{
		provider: provider,
		log:      log.NewHelper(log.With(logger, "module", "handler-codedocs")),
	}}
}

// Kind 任务类型
func (h *CodeDocsHandler) Kind() domain.TaskKind { return domain.TaskKindCodeDocs }

// EstimateCost 成本预估
func (h *CodeDocsHandler) EstimateCost(args json.RawMessage) float64 {
	var a CodeDocsArgs
	_ = json.Unmarshal(args, &a)
	if a.Files <= 0 {
		a.Files = 20
	}
	return unitCostCodeFile * float64(a.Files)
}

// Run 执行任务体
func (h *CodeDocsHandler) Run(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
	var a CodeDocsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, 0, fmt.Errorf("invalid code_docs args: %w", err)
	}
	if a.Repository == "" {
		return nil, 0, fmt.Errorf("repository is required")
	}
	if a.Files <= 0 {
		a.Files = 20
	}

	// 每批10个文件一步，批间为取消安全点
	batches := (a.Files + 9) / 10
	steps := make([]map[string]interface{}, batches)
	for i := range steps {
		steps[i] = map[string]interface{}{"repository": a.Repository, "batch": i + 1}
	}
	return h.runner.run(ctx, "code_docs", steps, report, cancelled)
}
