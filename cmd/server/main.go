package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"raputa-gateway/internal/catalog"
	"raputa-gateway/internal/config"
	"raputa-gateway/internal/ingest"
	"raputa-gateway/internal/predict"
	"raputa-gateway/internal/push"
	"raputa-gateway/internal/raputa"
	"raputa-gateway/internal/server"
	"raputa-gateway/internal/storage"

	"github.com/kataras/iris/v12"
)

func main() {
	port := flag.Int("port", 8080, "Server port")
	configPath := flag.String("config", "", "Config file path (optional)")
	dataPath := flag.String("data", "", "Data directory (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// 设置日志级别
	if *debug {
		raputa.SetDebugMode(true)
	}

	// 加载配置
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("配置加载失败: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}

	// 查找可用端口
	actualPort := findAvailablePort(*port)

	fmt.Println("============================================================")
	fmt.Println("吞咽监测多传感器采集网关")
	fmt.Println("============================================================")
	fmt.Printf("数据目录: %s\n", cfg.DataPath)
	fmt.Printf("推理服务: %s\n", cfg.PredictURL)
	fmt.Printf("监听地址: http://localhost:%d\n", actualPort)
	fmt.Println("============================================================")

	// 组装服务
	fileCatalog := catalog.NewCSVFileCatalog(filepath.Join(cfg.DataPath, "file_catalog.csv"))
	checkStore := catalog.NewCSVCheckRecordStore(cfg.DataPath)
	store := storage.NewStore(cfg.DataPath, fileCatalog, cfg.MinFreeDiskMB)
	hub := push.NewHub()
	predictor := predict.NewClient(cfg.PredictURL)
	manager := ingest.NewManager(cfg, store, hub, predictor, checkStore)

	// 创建 Iris 应用
	app := iris.New()
	app.Logger().SetLevel("warn")

	// CORS
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type")
		if ctx.Method() == "OPTIONS" {
			ctx.StatusCode(204)
			return
		}
		ctx.Next()
	})

	// 注册 API 路由
	handlers := server.NewHandlers(manager, hub)
	server.RegisterRoutes(app, handlers)

	// 优雅关闭: 先落盘收尾所有设备会话, 再停 HTTP
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		fmt.Println("\n正在关闭...")
		manager.StopAll()
		app.Shutdown(nil)
	}()

	// 启动服务器
	fmt.Printf("\n服务器已启动: http://localhost:%d\n", actualPort)
	if err := app.Listen(fmt.Sprintf(":%d", actualPort)); err != nil {
		fmt.Printf("服务器错误: %v\n", err)
	}
}

// findAvailablePort 查找可用端口，如果指定端口被占用则递增
func findAvailablePort(startPort int) int {
	for port := startPort; port < startPort+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return startPort // 回退到原始端口
}
