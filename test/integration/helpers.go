package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Ethy/client"
	"Ethy/internal/bridge"
	"Ethy/internal/keystore"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running ethy-node process.
type Node struct {
	index     int                // index is the node's position in the cluster
	cmd       *exec.Cmd          // cmd is the running process
	httpAddr  string             // httpAddr is the HTTP API address
	quicAddr  string             // quicAddr is the QUIC network address
	dataDir   string             // dataDir is the node's data directory
	authority bridge.AuthorityID // authority is the node's pre-generated authority key
	stdout    *safeBuffer        // stdout captures process output
	stderr    *safeBuffer        // stderr captures process errors
	cancel    context.CancelFunc // cancel stops the process
}

// IsRunning checks if the node process is alive and started successfully.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	if !strings.Contains(n.stdout.String(), "starting ethy node") {
		return false
	}

	return n.cmd.ProcessState == nil
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// Stop terminates the node process.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// clusterCount offsets the ports of successive clusters.
var clusterCount atomic.Int32

// Cluster is a set of nodes that all know each other.
type Cluster struct {
	t          *testing.T // t is the test context
	nodes      []*Node    // nodes is the list of running nodes
	binaryPath string     // binaryPath is the compiled node binary
	testDir    string     // testDir is the temporary directory for node data
	httpBase   int        // httpBase is the starting HTTP port
	quicBase   int        // quicBase is the starting QUIC port
}

// NewCluster builds the binary, starts size nodes with one authority key each, and registers cleanup.
func NewCluster(t *testing.T, size int) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	offset := int(clusterCount.Add(1)) * 10

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    t.TempDir(),
		httpBase:   28100 + offset,
		quicBase:   28300 + offset,
	}

	c.nodes = make([]*Node, size)
	for i := range c.nodes {
		c.nodes[i] = c.prepareNode(i)
	}
	for _, n := range c.nodes {
		c.startNode(n)
	}
	t.Cleanup(c.Stop)

	deadline := time.Now().Add(15 * time.Second)
	for _, n := range c.nodes {
		for !n.IsRunning() {
			if time.Now().After(deadline) {
				t.Fatalf("node %d failed to start:\nSTDOUT:\n%s\nSTDERR:\n%s", n.index, n.stdout, n.stderr)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	return c
}

// prepareNode creates the data directory, config file and authority key of node index.
func (c *Cluster) prepareNode(index int) *Node {
	c.t.Helper()

	n := &Node{
		index:    index,
		httpAddr: fmt.Sprintf("127.0.0.1:%d", c.httpBase+index),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", c.quicBase+index),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}

	ks, err := keystore.Open(filepath.Join(n.dataDir, "keystore"))
	if err != nil {
		c.t.Fatalf("open keystore %d: %v", index, err)
	}

	if n.authority, err = ks.Generate(); err != nil {
		c.t.Fatalf("generate authority %d: %v", index, err)
	}

	config := strings.Join([]string{
		"ethy:",
		"  rebroadcast_after: 1s",
		"  rebroadcast_interval: 1s",
		"snapshot:",
		"  path: " + filepath.Join(n.dataDir, "proofs.snap"),
	}, "\n")

	if err := os.WriteFile(filepath.Join(n.dataDir, "ethy.yaml"), []byte(config), 0600); err != nil {
		c.t.Fatalf("write config %d: %v", index, err)
	}

	return n
}

// startNode launches the node process.
func (c *Cluster) startNode(n *Node) {
	c.t.Helper()

	var peers []string
	for i := 0; i < len(c.nodes); i++ {
		if i != n.index {
			peers = append(peers, fmt.Sprintf("127.0.0.1:%d", c.quicBase+i))
		}
	}

	args := []string{
		"-config", filepath.Join(n.dataDir, "ethy.yaml"),
		"-data", n.dataDir,
		"-http", n.httpAddr,
		"-quic", n.quicAddr,
		"-key", filepath.Join(n.dataDir, "node.key"),
		"-keystore", filepath.Join(n.dataDir, "keystore"),
		"-peers", strings.Join(peers, ","),
		"-log-level", "debug",
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	n.cmd.Stdout = n.stdout
	n.cmd.Stderr = n.stderr

	if err := n.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", n.index, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go n.cmd.Wait()
}

// Stop kills all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, node := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			node.Stop()
		}()
	}

	wg.Wait()
}

// Authorities returns the authority keys in node order.
func (c *Cluster) Authorities() []bridge.AuthorityID {
	out := make([]bridge.AuthorityID, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.authority
	}

	return out
}

// Client creates a client connected to a node.
func (c *Cluster) Client(i int) *client.Client {
	return client.NewClient(c.nodes[i].httpAddr)
}

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Node returns a node by index.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// buildBinary compiles cmd/ethy-node into a temporary file.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "ethy-node")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/ethy-node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// getProjectRoot walks up from the working directory to the go.mod.
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
