package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/config"
	"github.com/life2you_mini/riskguard/internal/logger"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
	"github.com/life2you_mini/riskguard/internal/services"
)

const sectorRatingsCategory = "sector_ratings"

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "riskguard",
		Short:         "自适应持仓风险监控",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "config/config.yaml", "配置文件路径")

	root.AddCommand(
		serveCmd(),
		cycleCmd(),
		refreshCmd(),
		reportCmd(),
		getFactorCmd(),
		setFactorCmd(),
		queueCmd(),
		initConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

// withService 加载配置、日志并创建服务，fn 返回后关闭服务
func withService(ctx context.Context, fn func(*services.RiskGuardService, *zap.Logger) error) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	l, err := logger.NewLogger(cfg.System.LogDir, cfg.System.LogLevel, cfg.System.LogFile)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer l.Close()
	l.Info("加载配置成功", zap.String("config_file", configFile))

	service, err := services.NewRiskGuardService(ctx, cfg, l.Logger)
	if err != nil {
		l.Error("创建服务失败", zap.Error(err))
		return err
	}
	return fn(service, l.Logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动调度器和运维接口",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return withService(ctx, func(service *services.RiskGuardService, log *zap.Logger) error {
				if err := service.Start(ctx); err != nil {
					service.Close()
					return err
				}
				log.Info("服务已启动")

				<-ctx.Done()
				log.Info("接收到信号，准备关闭服务")

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				if err := service.Stop(shutdownCtx); err != nil {
					return fmt.Errorf("服务关闭失败: %w", err)
				}
				log.Info("服务已优雅关闭")
				return nil
			})
		},
	}
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "立即执行一次监控周期",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), func(service *services.RiskGuardService, _ *zap.Logger) error {
				defer service.Close()
				result, err := service.Manager.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "立即执行风险因子自调参",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), func(service *services.RiskGuardService, _ *zap.Logger) error {
				defer service.Close()
				result, err := service.Registry.Refresh(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func reportCmd() *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "输出风险处置绩效报告",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), func(service *services.RiskGuardService, _ *zap.Logger) error {
				defer service.Close()
				report, err := service.Manager.GeneratePerformanceReport(cmd.Context(), period)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	cmd.Flags().StringVarP(&period, "period", "p", "30", "报告周期：7、30、90 或 all")
	return cmd
}

func getFactorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-factor <category> [name]",
		Short: "查看风险因子",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(service *services.RiskGuardService, _ *zap.Logger) error {
				defer service.Close()
				category := args[0]

				if category == sectorRatingsCategory {
					if len(args) == 2 {
						return printJSON(service.Registry.GetSectorRiskRating(args[1]))
					}
					return printJSON(service.Registry.GetSectorRatings())
				}
				if len(args) == 2 {
					value, err := service.Registry.GetRiskFactor(category, args[1])
					if err != nil {
						return err
					}
					return printJSON(value)
				}
				values, err := service.Registry.GetCategory(category)
				if err != nil {
					return fmt.Errorf("%w，可选类别: %v", err, append(riskfactors.Categories(), sectorRatingsCategory))
				}
				return printJSON(values)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "查看或清空监控队列",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "输出待处理和处理中的任务数",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), func(service *services.RiskGuardService, _ *zap.Logger) error {
					defer service.Close()
					depth, err := service.Queue.Depth(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(depth)
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "清空队列，下个周期重新入队全部持仓",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), func(service *services.RiskGuardService, log *zap.Logger) error {
					defer service.Close()
					if err := service.Queue.ClearQueue(cmd.Context()); err != nil {
						return err
					}
					log.Info("监控队列已清空")
					return nil
				})
			},
		},
	)
	return cmd
}

func setFactorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-factor <category> <name> <value>",
		Short: "修改风险因子并写回存储",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("无效的数值 %q: %w", args[2], err)
			}
			return withService(cmd.Context(), func(service *services.RiskGuardService, log *zap.Logger) error {
				defer service.Close()
				if args[0] == sectorRatingsCategory {
					err = service.Registry.SetSectorRiskRating(cmd.Context(), args[1], value)
				} else {
					err = service.Registry.SetRiskFactor(cmd.Context(), args[0], args[1], value)
				}
				if err != nil {
					return err
				}
				log.Info("风险因子已更新",
					zap.String("category", args[0]),
					zap.String("name", args[1]),
					zap.Float64("value", value))
				return nil
			})
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "写出默认配置文件",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := configFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := config.SaveConfigToFile(config.GetDefaultConfig(), path); err != nil {
				return fmt.Errorf("写入配置失败: %w", err)
			}
			fmt.Println("已写入默认配置:", path)
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
