package config

import (
	"time"

	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/handler"
	"github.com/t77yq/exprunner/internal/monitor"
)

const (
	trafGenDir     = "/opt/MasterThesis/trafGen"
	monitorDir     = "/opt/MasterThesis/CMNpsutil/"
	analysisDir    = "/opt/MasterThesis/connectiontrackingAnalysis/"
	precheckMatch  = "'connt1' AND 'connt2'"
	precheckWindow = 60 * time.Second
)

// Default returns the testbed topology the experiments were written for
func Default() *Config {
	supervise := executor.DefaultSupervisorConfig()
	lifecycle := handler.DefaultScriptConfig()
	watch := monitor.DefaultKeywordWatcherConfig()

	return &Config{
		Services: map[string][]string{
			"convsrc5": {"tcp_server.service", "udp_server.service"},
			"convsrc8": {"tcp_server.service", "udp_server.service"},
			"connt1":   {"ptpd2.service", "conntrack_logger.service"},
			"connt2":   {"ptpd2.service", "conntrack_logger.service"},
		},
		ConntrackHosts: []string{"connt1", "connt2"},

		Precheck: PrecheckConfig{
			SettleDelay:     5 * time.Second,
			RequiredMatches: 4,
			Watchers: []monitor.WatchSpec{
				{Name: "Monitor-conntrack", Host: "convsrc2", Path: "/var/log/conntrack.log", Expression: precheckMatch, Deadline: precheckWindow, Truncate: true, Echo: true},
				{Name: "Monitor-ptp", Host: "convsrc2", Path: "/var/log/ptp.log", Expression: precheckMatch, Deadline: precheckWindow, Truncate: true, Echo: true},
			},
			Clients: []executor.ClientSpec{
				{Name: "Client-tcp-convsrc1", Host: "convsrc1", Command: "sudo ./tcp_client_er -s 172.16.1.1 -p 2000 -n 10 -c 1 -w 1 -a 172.16.1.10-22 -k -r 10000-65000 -t 1", WorkingDir: trafGenDir},
				{Name: "Client-udp-convsrc1", Host: "convsrc1", Command: "./udp_client_sub -s 172.16.1.1 -p 3000 -n 10 -c 1 -a 172.16.1.10-22 -r 10000-65000", WorkingDir: trafGenDir},
				{Name: "Client-udp-convsrc2", Host: "convsrc2", Command: "./udp_client_sub -s 172.16.1.1 -p 3000 -n 10 -c 1 -a 172.16.1.26-39 -r 10000-65000", WorkingDir: trafGenDir},
				{Name: "Client-tcp-convsrc2", Host: "convsrc2", Command: "sudo ./tcp_client_er -s 172.16.1.1 -p 2000 -n 10 -c 1 -w 1 -a 172.16.1.26-39 -k -r 10000-65000 -t 1", WorkingDir: trafGenDir},
			},
		},

		Scripts: []handler.ScriptSpec{
			{
				Name:       "Script-connt1",
				Host:       "connt1",
				Command:    "sudo ./start.sh -i 1 -l /var/log/exp/{experiment} -p conntrackd --iface enp3s0 -d",
				Program:    "start.sh",
				WorkingDir: monitorDir,
				Conflicts:  []string{"start.sh", "cm_monitor.py", "n_monitor.py"},
			},
			{
				Name:       "Script-convsrc2",
				Host:       "convsrc2",
				Command:    "sudo ./conntrackAnalysis.py -a connt1 -b connt2 -l /var/log/conntrack.log -o /var/log/exp/{experiment}_ca.csv -d -D -L /tmp/CA.log",
				Program:    "conntrackAnalysis.py",
				WorkingDir: analysisDir,
				Conflicts:  []string{"conntrackAnalysis.py"},
			},
		},

		Iteration: IterationConfig{
			Repeats: 5,
			Growth: []monitor.GrowthSpec{
				{Host: "convsrc2", Path: "/var/log/exp/{experiment}_ca.csv", Interval: 10 * time.Second},
				{Host: "connt1", Path: "/var/log/exp/{experiment}_conntrackd_n_monitor.csv", Interval: 10 * time.Second},
				{Host: "connt1", Path: "/var/log/exp/{experiment}_conntrackd_cm_monitor.csv", Interval: 10 * time.Second},
			},
			Clients: []executor.ClientSpec{
				{Name: "Client-tcp-convsrc1", Host: "convsrc1", Command: "sudo ./tcp_client_er -s 172.16.1.1 -p 2000 -n 250000 -c 500 -w 1 -a 172.16.1.10-22 -k -r 10000-65000", WorkingDir: trafGenDir},
				{Name: "Client-udp-convsrc1", Host: "convsrc1", Command: "./udp_client_sub -s 172.16.1.1 -p 3000 -n 250000 -c 500 -a 172.16.1.10-22 -r 10000-65000", WorkingDir: trafGenDir},
			},
		},

		Commands: CommandsConfig{
			Timeout:       executor.DefaultCommandTimeout,
			Sudo:          true,
			PollInterval:  watch.PollInterval,
			ProgressEvery: watch.ProgressEvery,
		},
		Supervise: SuperviseConfig{
			CheckStuck:    supervise.CheckStuck,
			CheckInterval: supervise.CheckInterval,
			StuckChecks:   supervise.StuckChecks,
			TailLines:     supervise.TailLines,
			Ceiling:       supervise.Ceiling,
			TimeoutPolicy: string(supervise.TimeoutPolicy),
			RunDir:        supervise.RunDir,
			WorkingDir:    trafGenDir,
		},
		Lifecycle: LifecycleConfig{
			StartTimeout: lifecycle.StartTimeout,
			StartupWait:  lifecycle.StartupWait,
			PreKillWait:  lifecycle.PreKillWait,
			Grace:        lifecycle.Grace,
		},

		SSH: SSHConfig{
			ConfigPath:     "~/.ssh/config",
			KnownHosts:     "~/.ssh/known_hosts",
			ConnectTimeout: 10 * time.Second,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "./data/exprunner.db",
		},
		Events: EventsConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			ConnectTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Development: true,
		},
		Console: ConsoleConfig{
			Color: true,
		},
	}
}
