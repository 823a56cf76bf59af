package container

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/pkg/models"
)

// testClient returns a client whose docker invocations are answered by
// respond and recorded for inspection.
func testClient(respond func(args []string) (string, error)) (*Client, *[][]string) {
	calls := &[][]string{}
	c := &Client{
		binary: "docker",
		image:  "mlikiowa/napcat-docker:latest",
		exec: func(_ context.Context, _ string, args ...string) (string, error) {
			*calls = append(*calls, args)
			return respond(args)
		},
	}
	return c, calls
}

func TestEnsureVolumeReportsExisting(t *testing.T) {
	c, calls := testClient(func(args []string) (string, error) {
		return "", nil
	})
	existed, err := c.EnsureVolume(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, existed)
	require.Len(t, *calls, 1)

	c, calls = testClient(func(args []string) (string, error) {
		if args[1] == "inspect" {
			return "", errors.New("no such volume")
		}
		return "v1\n", nil
	})
	existed, err = c.EnsureVolume(context.Background(), "v1")
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, "create", (*calls)[1][1])
}

func TestPullClassifiesFailures(t *testing.T) {
	c, _ := testClient(func(args []string) (string, error) {
		return "unauthorized: authentication required", errors.New("exit status 1")
	})
	err := c.Pull(context.Background(), "ghcr.io/acme/tool:1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghcr.io")
	require.Contains(t, err.Error(), "docker login")

	c, _ = testClient(func(args []string) (string, error) {
		return "dial tcp: lookup registry-1.docker.io: no such host", errors.New("exit status 1")
	})
	err = c.Pull(context.Background(), "mlikiowa/napcat-docker:latest")
	require.Error(t, err)
	require.Contains(t, err.Error(), "docker.io")
	require.Contains(t, err.Error(), "unreachable")
}

func TestImageSize(t *testing.T) {
	c, _ := testClient(func(args []string) (string, error) {
		return "123456789\n", nil
	})
	size, ok := c.ImageSize(context.Background(), "img")
	require.True(t, ok)
	require.Equal(t, int64(123456789), size)

	c, _ = testClient(func(args []string) (string, error) {
		return "", errors.New("no such image")
	})
	_, ok = c.ImageSize(context.Background(), "img")
	require.False(t, ok)
}

func TestCreateNapCatWiresLabelsNetworkAndPorts(t *testing.T) {
	var createArgs []string
	c, _ := testClient(func(args []string) (string, error) {
		switch args[0] {
		case "volume", "network":
			return "", nil
		case "image":
			return "99999\n", nil
		case "create":
			createArgs = args
			return "", nil
		case "inspect":
			return "cid123\n", nil
		}
		return "", errors.New("unexpected " + args[0])
	})

	id, err := c.CreateNapCat(context.Background(), models.BotInstance{
		ID: "qq_9", QQID: "10086", WSPort: 3101, WebUIPort: 6199, WSToken: "s3cret",
	})
	require.NoError(t, err)
	require.Equal(t, "cid123", id)

	joined := strings.Join(createArgs, " ")
	require.Contains(t, joined, "--label nbot.managed=true")
	require.Contains(t, joined, "--label nbot.kind=napcat")
	require.Contains(t, joined, "--label nbot.bot_id=qq_9")
	require.Contains(t, joined, "--network "+DefaultNetwork)
	require.Contains(t, joined, "-p 3101:3001")
	require.Contains(t, joined, "-p 6199:6099")
	require.Contains(t, joined, "-e WS_TOKEN=s3cret")
	require.Contains(t, joined, "-v nbot-qq_9-data:/app/.config/QQ")
}

func TestCreateDatabaseWiresImagePortAndVolume(t *testing.T) {
	var runArgs []string
	c, _ := testClient(func(args []string) (string, error) {
		switch args[0] {
		case "volume", "network":
			return "", nil
		case "image":
			return "99999\n", nil
		case "run":
			runArgs = args
			return "", nil
		case "inspect":
			return "dbcid\n", nil
		}
		return "", errors.New("unexpected " + args[0])
	})

	id, err := c.CreateDatabase(context.Background(), models.DatabaseInstance{
		ID: "db_7", Type: "postgres", HostPort: 15432,
		Username: "app", Password: "hunter2", Database: "appdb",
	})
	require.NoError(t, err)
	require.Equal(t, "dbcid", id)

	joined := strings.Join(runArgs, " ")
	require.Contains(t, joined, "postgres:16-alpine")
	require.Contains(t, joined, "--label nbot.managed=true")
	require.Contains(t, joined, "--label nbot.kind=database")
	require.Contains(t, joined, "-p 15432:5432")
	require.Contains(t, joined, "-e POSTGRES_USER=app")
	require.Contains(t, joined, "-e POSTGRES_PASSWORD=hunter2")
	require.Contains(t, joined, "-e POSTGRES_DB=appdb")
	require.Contains(t, joined, "-v nbot-db-db_7-data:/var/lib/postgresql/data")
}

func TestCreateDatabaseRejectsUnknownType(t *testing.T) {
	c, calls := testClient(func(args []string) (string, error) {
		return "", nil
	})
	_, err := c.CreateDatabase(context.Background(), models.DatabaseInstance{
		ID: "db_8", Type: "mongodb", HostPort: 27017,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "mongodb")
	require.Empty(t, *calls)
}

func TestSupportedDatabase(t *testing.T) {
	require.True(t, SupportedDatabase("postgres"))
	require.True(t, SupportedDatabase("mysql"))
	require.True(t, SupportedDatabase("redis"))
	require.False(t, SupportedDatabase("sqlite"))
	require.Equal(t, 6379, DatabasePort("redis"))
}

func TestCreatePullsMissingImage(t *testing.T) {
	var pulled bool
	c, _ := testClient(func(args []string) (string, error) {
		switch args[0] {
		case "network":
			return "", nil
		case "image":
			return "", errors.New("no such image")
		case "pull":
			pulled = true
			return "", nil
		case "create":
			return "", nil
		case "inspect":
			return "cid\n", nil
		}
		return "", errors.New("unexpected " + args[0])
	})
	_, err := c.Create(context.Background(), RunSpec{Name: "n", Image: "img", Kind: KindTool})
	require.NoError(t, err)
	require.True(t, pulled)
}

func TestPublishedPortPollsUntilVisible(t *testing.T) {
	attempts := 0
	c, _ := testClient(func(args []string) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("no public port published")
		}
		return "0.0.0.0:3101\n[::]:3101\n", nil
	})
	port, err := c.PublishedPort(context.Background(), "nbot-qq_9", 3001)
	require.NoError(t, err)
	require.Equal(t, 3101, port)
	require.Equal(t, 3, attempts)
}

func TestRegistryHost(t *testing.T) {
	require.Equal(t, "ghcr.io", registryHost("ghcr.io/acme/tool:1"))
	require.Equal(t, "localhost:5000", registryHost("localhost:5000/img"))
	require.Equal(t, "docker.io", registryHost("mlikiowa/napcat-docker:latest"))
}
