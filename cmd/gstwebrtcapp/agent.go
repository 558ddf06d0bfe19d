package main

import (
	"github.com/spf13/cobra"

	"github.com/birkandenizer/gstwebrtcapp/internal/agent"
	"github.com/birkandenizer/gstwebrtcapp/internal/config"
	"github.com/birkandenizer/gstwebrtcapp/internal/mdp"
)

// agentCmd runs the decision loop against the stats topic
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Build observations from published stats and publish bitrate actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService("agent", func(t config.MQTTTopics) []string {
			return []string{t.Stats}
		})
		if err != nil {
			return err
		}

		m, err := mdp.NewBrowserMDP(svc.mdpConfig())
		if err != nil {
			return err
		}

		topics := svc.cfg.MQTT.Topics
		a := agent.New(agent.Config{
			Topics: agent.Topics{
				Stats:   topics.Stats,
				Actions: topics.Actions,
				GCC:     topics.GCC,
			},
			StepInterval: svc.cfg.Agent.StepInterval(),
			CleanBacklog: *svc.cfg.Agent.CleanBacklog,
		}, m, agent.ConstantPolicy{svc.cfg.Agent.Action}, svc.relay)

		return svc.run(a.Run)
	},
}
