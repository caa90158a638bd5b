package api

import (
	"net/http"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/config"
)

// New builds the HTTP front end of the resolver.
func New(conf config.Config, log *logrus.Entry) *gin.Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	app := gin.New()
	app.Use(gin.Recovery(), requestLogger(log))
	app.Use(cors.Default())
	if conf.Server.WebUI != "" {
		app.Use(static.Serve("/", static.LocalFile(conf.Server.WebUI, true)))
	}
	h := &handlers{resolver: conf.Resolver, log: log}
	app.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	app.POST("/resolve", h.postResolve)
	app.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return app
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("request")
	}
}
