package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func (a *app) cmdSend(args []string) int {
	flags := flag.NewFlagSet("send", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "sender agent ID")
	subject := flags.String("subject", "", "message subject")
	thread := flags.String("thread", "", "thread ID")
	importance := flags.String("importance", string(model.ImportanceNormal), "low|normal|high|urgent")
	ackRequired := flags.Bool("ack-required", false, "recipient must acknowledge")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 2 {
		fmt.Println("usage: substrate send <to[,to...]> <body...> [--subject S] [--thread ID] [--importance LEVEL] [--ack-required]")
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	to := strings.Split(flags.Arg(0), ",")
	for i := range to {
		to[i] = strings.TrimSpace(to[i])
	}
	body := strings.Join(flags.Args()[1:], " ")

	msg, err := a.project.Mail.Send(context.Background(), agentID, to, *subject, body, *thread,
		model.Importance(*importance), *ackRequired)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(msg)
	} else {
		fmt.Printf("sent message %d to %s\n", msg.ID, strings.Join(to, ","))
	}
	return 0
}

func (a *app) cmdInbox(args []string) int {
	flags := flag.NewFlagSet("inbox", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	limit := flags.Int("limit", 5, "max messages (hard-capped at 5)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	entries, err := a.project.Mail.Inbox(context.Background(), agentID, *limit)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(entries)
	} else {
		for _, e := range entries {
			fmt.Printf("[%d] from=%s subject=%q importance=%s ack_required=%v\n",
				e.MessageID, e.From, e.Subject, e.Importance, e.AckRequired)
		}
	}
	return 0
}

func (a *app) cmdReadMessage(args []string) int {
	flags := flag.NewFlagSet("read", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate read <message_id> [--agent ID]")
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	id, err := parseInt64(flags.Arg(0))
	if err != nil {
		fatal("invalid message id: %v", err)
	}

	msg, err := a.project.Mail.ReadMessage(context.Background(), agentID, id)
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(msg)
	} else {
		fmt.Printf("[%d] from=%s subject=%q\n\n%s\n", msg.ID, msg.FromAgent, msg.Subject, msg.Body)
	}
	return 0
}

func (a *app) cmdAck(args []string) int {
	flags := flag.NewFlagSet("ack", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate ack <message_id> [--agent ID]")
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	id, err := parseInt64(flags.Arg(0))
	if err != nil {
		fatal("invalid message id: %v", err)
	}

	if err := a.project.Mail.Ack(context.Background(), agentID, id); err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"acked": id})
	} else {
		fmt.Printf("acked message %d\n", id)
	}
	return 0
}

func (a *app) cmdSummarizeThread(args []string) int {
	flags := flag.NewFlagSet("summarize-thread", flag.ContinueOnError)
	agentFlag := flags.String("agent", "", "agent ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Println("usage: substrate summarize-thread <thread_id> [--agent ID]")
		return 1
	}

	agentID, err := a.resolveAgent(*agentFlag)
	if err != nil {
		fatal("%v", err)
	}

	summary, err := a.project.Mail.SummarizeThread(context.Background(), agentID, flags.Arg(0))
	if err != nil {
		return reportErr(err, *jsonOut)
	}

	if *jsonOut {
		printJSON(summary)
	} else {
		fmt.Printf("thread %s: %d messages, participants=%s\n",
			summary.ThreadID, summary.TotalMessages, strings.Join(summary.Participants, ","))
		for _, kp := range summary.KeyPoints {
			fmt.Printf("  - %s\n", kp)
		}
	}
	return 0
}
