package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sayden/mergetree/metrics"
)

type server struct {
	metrics *metrics.Metrics
}

func (s *server) GetTables(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Engine().Tables())
}

func (s *server) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *server) PostCompact(c *gin.Context) {
	result, err := s.metrics.Compact(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *server) PostScan(c *gin.Context) {
	err := s.metrics.Scan(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func serve(ctx context.Context, addr string, m *metrics.Metrics) error {
	s := &server{metrics: m}

	router := gin.Default()
	router.GET("/tables", s.GetTables)
	router.GET("/metrics", s.GetMetrics)
	router.POST("/compact", s.PostCompact)
	router.POST("/scan/:uuid", s.PostScan)

	httpServer := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
