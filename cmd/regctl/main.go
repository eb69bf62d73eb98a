// regctl is a command line client for registryd: read, write and list
// registry paths, manage permissions and watches, and drive transactions.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/sysml/registryd"
	"github.com/sysml/registryd/client"
	"github.com/sysml/registryd/rpc"
)

type globalOpts struct {
	Socket string `short:"s" long:"socket" description:"Daemon socket path"`
}

var opts globalOpts

func dial() (*client.Client, error) {
	socket := opts.Socket
	if socket == "" {
		socket = registryd.DefaultSocket
	}
	return client.Dial(socket)
}

type readCmd struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *readCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	val, err := cl.Read(0, c.Args.Path)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", val)
	return nil
}

type writeCmd struct {
	Args struct {
		Path  string `positional-arg-name:"path" required:"yes"`
		Value string `positional-arg-name:"value" required:"yes"`
	} `positional-args:"yes"`
}

func (c *writeCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Write(0, c.Args.Path, []byte(c.Args.Value))
}

type lsCmd struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *lsCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	children, err := cl.Directory(0, c.Args.Path)
	if err != nil {
		return err
	}
	for _, ch := range children {
		fmt.Println(ch)
	}
	return nil
}

type mkdirCmd struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *mkdirCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Mkdir(0, c.Args.Path)
}

type rmCmd struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *rmCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Rm(0, c.Args.Path)
}

type getPermsCmd struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *getPermsCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	perms, err := cl.GetPerms(0, c.Args.Path)
	if err != nil {
		return err
	}
	for _, p := range perms {
		fmt.Println(p.String())
	}
	return nil
}

type setPermsCmd struct {
	Args struct {
		Path  string   `positional-arg-name:"path" required:"yes"`
		Perms []string `positional-arg-name:"perm" required:"yes"`
	} `positional-args:"yes"`
}

func (c *setPermsCmd) Execute([]string) error {
	perms, err := rpc.ParsePerms(c.Args.Perms)
	if err != nil {
		return err
	}
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.SetPerms(0, c.Args.Path, perms)
}

type watchCmd struct {
	Count int `short:"n" long:"count" default:"0" description:"Exit after this many events (0 = forever)"`
	Args  struct {
		Path  string `positional-arg-name:"path" required:"yes"`
		Token string `positional-arg-name:"token" required:"yes"`
	} `positional-args:"yes"`
}

func (c *watchCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	if err := cl.Watch(c.Args.Path, c.Args.Token); err != nil {
		return err
	}
	seen := 0
	for ev := range cl.Events {
		fmt.Printf("%s %s\n", ev.Path, ev.Token)
		seen++
		if c.Count > 0 && seen >= c.Count {
			return nil
		}
	}
	return nil
}

type txCmd struct {
	Abort bool     `long:"abort" description:"Abort instead of committing"`
	Args  struct {
		Ops []string `positional-arg-name:"op" description:"write:<path>=<value> or rm:<path>"`
	} `positional-args:"yes"`
}

func (c *txCmd) Execute([]string) error {
	cl, err := dial()
	if err != nil {
		return err
	}
	defer cl.Close()
	tid, err := cl.TransactionStart()
	if err != nil {
		return err
	}
	for _, op := range c.Args.Ops {
		if err := applyTxOp(cl, tid, op); err != nil {
			cl.TransactionEnd(tid, false)
			return err
		}
	}
	return cl.TransactionEnd(tid, !c.Abort)
}

func applyTxOp(cl *client.Client, tid uint32, op string) error {
	switch {
	case len(op) > 6 && op[:6] == "write:":
		rest := op[6:]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '=' {
				return cl.Write(tid, rest[:i], []byte(rest[i+1:]))
			}
		}
		return fmt.Errorf("malformed op %q", op)
	case len(op) > 3 && op[:3] == "rm:":
		return cl.Rm(tid, op[3:])
	}
	return fmt.Errorf("unknown op %q", op)
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("read", "Read a value", "Read the value at a path.", &readCmd{})
	parser.AddCommand("write", "Write a value", "Write the value at a path.", &writeCmd{})
	parser.AddCommand("ls", "List children", "List the children of a path.", &lsCmd{})
	parser.AddCommand("mkdir", "Create a path", "Ensure a path exists.", &mkdirCmd{})
	parser.AddCommand("rm", "Delete a path", "Delete a path and its subtree.", &rmCmd{})
	parser.AddCommand("get-perms", "Show permissions", "Show the permission list of a path.", &getPermsCmd{})
	parser.AddCommand("set-perms", "Set permissions", "Replace the permission list of a path.", &setPermsCmd{})
	parser.AddCommand("watch", "Watch a path", "Subscribe to a path and print events.", &watchCmd{})
	parser.AddCommand("tx", "Run a transaction", "Group write/rm operations into one transaction.", &txCmd{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
