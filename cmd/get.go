package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"wallfetch/app/config"
	"wallfetch/app/logger"
	"wallfetch/app/model"
	"wallfetch/app/utils/downloader"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	getSize  int64
	getOut   string
	getProxy string
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "下载单个壁纸（使用缓存，可断点续传）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		url := args[0]
		out := getOut
		if out == "" {
			out = filepath.Join(cfg.Download.DefaultDir, model.NormalizeFileName(path.Base(url)))
		}

		opts := downloader.DefaultOptions(cfg.Cache.Root)
		opts.ChunkSize = cfg.Download.ChunkSize
		opts.UserAgent = cfg.Download.UserAgent
		opts.Timeout = cfg.Download.Timeout
		engine := downloader.NewEngine(opts, log.Named("downloader").Logger)
		defer engine.Close()

		flag := downloader.NewCancelFlag()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		go func() {
			<-quit
			log.Info("收到中断信号，保留已下载部分，下次可继续")
			flag.Set()
		}()

		sub := engine.Progress().Subscribe(opts.ProgressBuffer)
		done := make(chan struct{})
		go reportProgress(log, sub, done)

		res := engine.Run(context.Background(), downloader.Request{
			URL:          url,
			Destination:  out,
			Proxy:        getProxy,
			ExpectedSize: getSize,
			Cancel:       flag,
		})
		sub.Close()
		<-done

		switch res.Outcome() {
		case downloader.OutcomeCompleted:
			source := "网络"
			if res.CacheHit {
				source = "缓存"
			}
			log.Infof("下载完成（%s）: %s, %s", source, out, humanize.IBytes(uint64(res.Downloaded)))
			return nil
		case downloader.OutcomeCancelled:
			return fmt.Errorf("下载已中断，已保存 %s", humanize.IBytes(uint64(res.Downloaded)))
		default:
			return fmt.Errorf("下载失败: %w", res.Err)
		}
	},
}

// reportProgress 每秒最多输出一次进度
func reportProgress(log *logger.Logger, sub *downloader.Subscription[downloader.Progress], done chan<- struct{}) {
	defer close(done)
	var last time.Time
	for p := range sub.C {
		if time.Since(last) < time.Second {
			continue
		}
		last = time.Now()
		if p.Total > 0 {
			log.Infof("进度: %s / %s (%.1f%%), %s/s",
				humanize.IBytes(uint64(p.Downloaded)), humanize.IBytes(uint64(p.Total)),
				float64(p.Downloaded)*100/float64(p.Total), humanize.IBytes(uint64(p.Speed)))
		} else {
			log.Infof("进度: %s, %s/s", humanize.IBytes(uint64(p.Downloaded)), humanize.IBytes(uint64(p.Speed)))
		}
	}
}

func init() {
	getCmd.Flags().Int64Var(&getSize, "size", 0, "期望的文件大小（字节），参与缓存键")
	getCmd.Flags().StringVarP(&getOut, "out", "o", "", "保存路径（默认保存到 download.default_dir）")
	getCmd.Flags().StringVar(&getProxy, "proxy", "", "代理地址，如 http://127.0.0.1:7890")
	rootCmd.AddCommand(getCmd)
}
