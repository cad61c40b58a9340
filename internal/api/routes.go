package api

import (
	"github.com/labstack/echo/v4"
)

// RegisterHandlers mounts the /agent routes. protect runs on every route but
// the health check, in order.
func RegisterHandlers(e *echo.Echo, s *Server, protect ...echo.MiddlewareFunc) {
	e.GET("/agent/healthz", s.Health)

	g := e.Group("/agent", protect...)

	g.GET("/_meta/calls", s.CallsByRoute)
	g.GET("/_meta/calls/daily", s.CallsByDay)

	g.POST("/api/analyze", s.Analyze)
	g.POST("/api/analyze_batch", s.AnalyzeBatch)
	g.GET("/api/hazards_kb_citations", s.Citations)
	g.GET("/api/reports", s.ListReports)

	g.POST("/api/chat/start", s.StartChat)
	g.POST("/api/chat/message", s.SendMessage)
	g.GET("/api/chat/:id", s.GetChat)

	g.GET("/api/knowledge-bases", s.ListKnowledgeBases)
	g.POST("/api/knowledge-bases", s.CreateKnowledgeBase)
	g.DELETE("/api/knowledge-bases/:id", s.DeleteKnowledgeBase)
	g.GET("/api/knowledge-bases/:id/documents", s.ListDocuments)
	g.POST("/api/knowledge-bases/:id/documents", s.UploadDocuments)
	g.GET("/api/knowledge-bases/:id/uploads", s.ListUploads)
	g.DELETE("/api/knowledge-bases/:id/uploads/:job", s.CancelUpload)
	g.POST("/api/knowledge-bases/:id/search", s.SearchKnowledgeBase)

	g.GET("/api/all_tokens", s.AllTokens)

	g.GET("/api/keys", s.ListKeys)
	g.POST("/api/keys", s.CreateKey)
	g.DELETE("/api/keys/:id", s.RevokeKey)

	g.POST("/api/flows", s.CreateFlow)
	g.GET("/api/flows/:id", s.GetFlow)
	g.GET("/api/flows/:id/graph", s.GetFlowGraph)
	g.POST("/api/flows/:id/events", s.DispatchFlowEvents)
	g.DELETE("/api/flows/:id", s.DeleteFlow)
}
