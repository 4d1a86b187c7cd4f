package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"knowledgehub/cmd/task-engine/internal/service"
	ws "knowledgehub/cmd/task-engine/internal/websocket"
	"knowledgehub/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPConfig HTTP服务器配置
type HTTPConfig struct {
	Addr    string
	Timeout time.Duration
}

// HTTPServer HTTP 服务器：gin承载路由，kratos承载生命周期
type HTTPServer struct {
	engine     *gin.Engine
	service    *service.TaskService
	hub        *ws.Hub
	jwtManager *auth.JWTManager
	upgrader   websocket.Upgrader
	logger     log.Logger
	log        *log.Helper
}

// NewHTTPServer 创建HTTP服务器
func NewHTTPServer(
	c *HTTPConfig,
	svc *service.TaskService,
	hub *ws.Hub,
	jwtManager *auth.JWTManager,
	logger log.Logger,
) *khttp.Server {
	s := newHTTPServer(svc, hub, jwtManager, logger)

	addr := c.Addr
	if addr == "" {
		addr = ":8000"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	srv := khttp.NewServer(
		khttp.Address(addr),
		khttp.Timeout(timeout),
	)
	srv.HandlePrefix("/", s.engine)

	s.log.Infof("HTTP server created on %s", addr)
	return srv
}

// newHTTPServer 组装路由与中间件
func newHTTPServer(
	svc *service.TaskService,
	hub *ws.Hub,
	jwtManager *auth.JWTManager,
	logger log.Logger,
) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{
		engine:     gin.New(),
		service:    svc,
		hub:        hub,
		jwtManager: jwtManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		log:    log.NewHelper(log.With(logger, "module", "http-server")),
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// registerMiddleware 注册全局中间件
func (s *HTTPServer) registerMiddleware() {
	s.engine.Use(RecoveryMiddleware(s.logger))
	s.engine.Use(TracingMiddleware())
	s.engine.Use(LoggingMiddleware(s.logger))
}

// registerRoutes 注册路由
func (s *HTTPServer) registerRoutes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	api.Use(AuthMiddleware(s.jwtManager))

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.submitTask)
		tasks.GET("", s.listTasks)
		tasks.GET("/:id", s.getTask)
		tasks.DELETE("/:id", s.cancelTask)
	}

	api.GET("/budget/status", s.budgetStatus)
	api.GET("/ws", s.serveWebSocket)

	admin := api.Group("/admin")
	admin.Use(AdminRequired())
	{
		admin.POST("/budget/refill", s.refillBudget)
		admin.GET("/queue/stats", s.engineStats)
		admin.POST("/tasks/cleanup", s.cleanup)
	}
}

// health 健康检查
func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"live_channels": s.hub.LiveChannelCount(),
	})
}

// submitTask 提交任务
func (s *HTTPServer) submitTask(c *gin.Context) {
	var req service.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	task, err := s.service.Submit(c.Request.Context(), UserID(c), Roles(c), &req)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, task)
}

// getTask 查询任务
func (s *HTTPServer) getTask(c *gin.Context) {
	task, err := s.service.Get(c.Request.Context(), c.Param("id"), UserID(c), IsAdmin(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, task)
}

// listTasks 列出当前用户的任务
func (s *HTTPServer) listTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, err := s.service.List(c.Request.Context(), UserID(c), limit, offset)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// cancelTask 取消任务
func (s *HTTPServer) cancelTask(c *gin.Context) {
	task, err := s.service.Cancel(c.Request.Context(), c.Param("id"), UserID(c), IsAdmin(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, task)
}

// budgetStatus 查询当前用户预算
func (s *HTTPServer) budgetStatus(c *gin.Context) {
	// 管理员可代查他人
	userID := UserID(c)
	if other := c.Query("user_id"); other != "" && IsAdmin(c) {
		userID = other
	}

	budget, err := s.service.BudgetStatus(c.Request.Context(), userID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, budget)
}

// refillBudget 管理员补充额度
func (s *HTTPServer) refillBudget(c *gin.Context) {
	var req service.RefillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	result, err := s.service.Refill(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}

// engineStats 管理员查询运行统计
func (s *HTTPServer) engineStats(c *gin.Context) {
	stats, err := s.service.Stats(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, stats)
}

// cleanup 管理员触发终态任务清理
func (s *HTTPServer) cleanup(c *gin.Context) {
	purged, err := s.service.Cleanup(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"purged": purged})
}

// serveWebSocket 升级连接并为当前用户开启一条通知通道
func (s *HTTPServer) serveWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	channel := s.hub.Register(UserID(c))
	client := ws.NewClient(channel, conn, s.hub, s.logger)

	if data, err := json.Marshal(ws.NewWelcomeMessage(channel.ID)); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	go client.WritePump()
	go client.ReadPump()
}
