package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/birkandenizer/gstwebrtcapp/internal/actuator"
	"github.com/birkandenizer/gstwebrtcapp/internal/config"
	"github.com/birkandenizer/gstwebrtcapp/internal/mdp"
	"github.com/birkandenizer/gstwebrtcapp/internal/pipeline"
	"github.com/birkandenizer/gstwebrtcapp/internal/rtpout"
	"github.com/birkandenizer/gstwebrtcapp/internal/sender"
	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// senderCmd runs the GStreamer pipeline and applies received actions
var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Run the WebRTC pipeline, publish its stats and apply bitrate actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService("sender", func(t config.MQTTTopics) []string {
			return []string{t.Actions}
		})
		if err != nil {
			return err
		}

		pc := svc.cfg.Pipeline
		launch := pc.Launch
		if launch == "" && pc.Producer == config.ProducerRTP {
			launch = pipeline.DefaultRTPLaunch
		}
		p, err := pipeline.New(pipeline.Config{
			Launch:  launch,
			Encoder: pc.Encoder,
			Settings: actuator.Settings{
				BitrateKbps:   float64(pc.BitrateKbps),
				Width:         pc.Width,
				Height:        pc.Height,
				Framerate:     pc.Framerate,
				FECPercentage: *pc.FECPercentage,
				CUDA:          pc.CUDA,
			},
			StatsTimeout: pc.StatsInterval(),
		})
		if err != nil {
			return err
		}

		var producer stats.Producer = p
		loops := []func(ctx context.Context) error{p.Run}
		if pc.Producer == config.ProducerRTP {
			collector := stats.NewCollector()
			session, err := rtpout.Dial(rtpout.Config{
				Remote:         pc.RTPRemote,
				Local:          pc.RTPLocal,
				ReportInterval: pc.StatsInterval(),
			}, collector)
			if err != nil {
				return err
			}
			defer session.Close()
			if err := p.OnRTP(session.WriteRTP); err != nil {
				return err
			}
			producer = collector
			loops = append(loops, session.Run)
			slog.Info("sender using rtp producer", "remote", pc.RTPRemote)
		}

		m, err := mdp.NewBrowserMDP(svc.mdpConfig())
		if err != nil {
			return err
		}

		s := sender.New(sender.Config{
			Topics: sender.Topics{
				Stats:   svc.cfg.MQTT.Topics.Stats,
				Actions: svc.cfg.MQTT.Topics.Actions,
			},
			StatsInterval: pc.StatsInterval(),
		}, producer, m, p.Controller(), svc.relay)

		return svc.run(append(loops, s.Run)...)
	},
}
