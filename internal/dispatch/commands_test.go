package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tranco-dispatch/internal/queue"
	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

var (
	testCommands = Commands{GitURL: "https://github.com/brave/pagegraph-tranco-crawl.git", BrowserProcess: "brave"}
	testHost     = remote.Host{Addr: "10.0.0.1", Port: 22, User: "ubuntu"}
	testCrawl    = work.CrawlParams{
		BinaryPath:    "/usr/bin/brave-browser-nightly",
		S3Bucket:      "brave-research-crawling",
		PageSeconds:   10,
		ClientTimeout: 300,
	}
)

func TestCommandTableCoversEveryAction(t *testing.T) {
	t.Parallel()

	require.NoError(t, checkCommandTable())
	for _, a := range work.Actions() {
		item := work.Item{Action: a, Args: work.Args{
			ClientCodePath: "~/pagegraph-tranco-crawl",
			Job:            queue.NewJob(17, "example.com"),
			Crawl:          testCrawl,
		}}
		cmd, err := testCommands.Render(testHost, item)
		require.NoError(t, err, a.String())
		assert.NotEmpty(t, cmd, a.String())
	}

	_, err := testCommands.Render(testHost, work.Item{Action: work.Action(99)})
	assert.ErrorContains(t, err, "no command")
}

func TestRenderCommands(t *testing.T) {
	t.Parallel()

	const path = "~/pagegraph-tranco-crawl"
	activate := "cd ~/ && cd ~/pagegraph-tranco-crawl && . ./bin/activate && cd pagegraph-tranco-crawl"

	tests := []struct {
		action work.Action
		quiet  bool
		want   string
	}{
		{work.ActionTestConnection, false, "test -d /home/ubuntu"},
		{work.ActionKillChildProcesses, false, "killall -q -9 brave || true"},
		{work.ActionDeleteClientCode, false, "rm -Rf ~/pagegraph-tranco-crawl"},
		{work.ActionCheckClientCode, false, "test -d ~/pagegraph-tranco-crawl"},
		{work.ActionInstallClientCode, false, "python3 -m venv pagegraph-tranco-crawl && cd pagegraph-tranco-crawl && " +
			". ./bin/activate && git clone https://github.com/brave/pagegraph-tranco-crawl.git pagegraph-tranco-crawl && " +
			"cd ./pagegraph-tranco-crawl && pip3 install -r requirements.txt"},
		{work.ActionSetupClientCode, false, activate + " && ./client-setup.py"},
		{work.ActionSetupClientCode, true, activate + " && ./client-setup.py --quiet"},
		{work.ActionCrawl, true, "killall -q -9 brave; sleep 3; " + activate +
			" && ./client.py --rank 17 --url https://example.com --seconds 10 --timeout 300" +
			" --client-code-path ~/pagegraph-tranco-crawl --binary-path /usr/bin/brave-browser-nightly" +
			" --s3-bucket brave-research-crawling --quiet"},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			t.Parallel()
			item := work.Item{Action: tt.action, Args: work.Args{
				ClientCodePath: path,
				Quiet:          tt.quiet,
				Job:            queue.NewJob(17, "example.com"),
				Crawl:          testCrawl,
			}}
			got, err := testCommands.Render(testHost, item)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderRejectsUnsafeArguments(t *testing.T) {
	t.Parallel()

	cases := map[string]work.Item{
		"path with space": {Action: work.ActionDeleteClientCode, Args: work.Args{ClientCodePath: "~/a b"}},
		"path injection":  {Action: work.ActionCheckClientCode, Args: work.Args{ClientCodePath: "x; rm -rf /"}},
		"root path":       {Action: work.ActionDeleteClientCode, Args: work.Args{ClientCodePath: "/"}},
		"home path":       {Action: work.ActionInstallClientCode, Args: work.Args{ClientCodePath: "~"}},
		"domain":          {Action: work.ActionCrawl, Args: work.Args{ClientCodePath: "~/c", Job: queue.NewJob(1, "a$(id).com"), Crawl: testCrawl}},
		"bucket": {Action: work.ActionCrawl, Args: work.Args{ClientCodePath: "~/c", Job: queue.NewJob(1, "a.com"),
			Crawl: work.CrawlParams{BinaryPath: "/b", S3Bucket: "x|y"}}},
	}
	for name, item := range cases {
		_, err := testCommands.Render(testHost, item)
		assert.ErrorIs(t, err, ErrUnsafeArgument, name)
	}

	_, err := testCommands.Render(remote.Host{Addr: "h", User: "bob smith"}, work.Item{Action: work.ActionTestConnection})
	assert.ErrorIs(t, err, ErrUnsafeArgument)

	_, err = testCommands.Render(testHost, work.Item{Action: work.ActionCrawl, Args: work.Args{ClientCodePath: "~/c"}})
	assert.ErrorContains(t, err, "no job")

	assert.ErrorIs(t, Commands{GitURL: "https://x", BrowserProcess: "brave &"}.Validate(), ErrUnsafeArgument)
	assert.NoError(t, testCommands.Validate())
}
