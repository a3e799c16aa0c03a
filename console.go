package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tourchat/chat"
	"tourchat/conversations"
	"tourchat/messages"
	"tourchat/models"
)

const consoleHelp = `commands:
  /open <identity>   open the thread with identity
  /close             close the open thread
  /list [query]      show conversations, optionally filtered
  /typing            signal one keystroke in the open thread
  /help              show this help
  /quit              sign out and exit
anything else is sent to the open thread`

// console is a line-oriented terminal client for one signed-in identity.
type console struct {
	engine *chat.Engine
	self   string
	log    zerolog.Logger

	mu       sync.Mutex
	out      io.Writer
	thread   *chat.Thread
	list     *chat.ConversationList
	badge    *chat.UnreadCount
	latest   []models.Conversation
	renderWG sync.WaitGroup
}

func newConsole(engine *chat.Engine, self string, out io.Writer, log zerolog.Logger) *console {
	return &console{
		engine: engine,
		self:   self,
		out:    out,
		log:    log.With().Str("component", "console").Logger(),
	}
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	list, err := c.engine.OpenConversationList(c.self)
	if err != nil {
		return err
	}
	badge, err := c.engine.OpenUnreadCount(c.self)
	if err != nil {
		list.Close()
		return err
	}

	c.mu.Lock()
	c.list, c.badge = list, badge
	c.mu.Unlock()

	c.renderWG.Add(2)
	go c.followList(list)
	go c.followBadge(badge)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/quit":
		return true
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/open":
		c.openThread(arg)
	case "/close":
		c.closeThread()
	case "/list":
		c.printList(arg)
	case "/typing":
		thread := c.currentThread()
		if thread == nil {
			c.printf("no open thread\n")
			return false
		}
		if err := thread.Input(ctx); err != nil {
			c.printf("typing failed: %v\n", err)
		}
	default:
		thread := c.currentThread()
		if thread == nil {
			c.printf("no open thread, use /open <identity>\n")
			return false
		}
		if _, err := thread.Send(ctx, line); err != nil {
			c.printf("send failed: %v\n", err)
		}
	}
	return false
}

func (c *console) openThread(other string) {
	thread, err := c.engine.OpenThread(c.self, other)
	if err != nil {
		c.printf("open failed: %v\n", err)
		return
	}

	c.mu.Lock()
	previous := c.thread
	c.thread = thread
	c.mu.Unlock()
	if previous != nil && previous.Other != other {
		previous.Close()
	}

	c.renderWG.Add(1)
	go c.followThread(thread)
}

func (c *console) closeThread() {
	c.mu.Lock()
	thread := c.thread
	c.thread = nil
	c.mu.Unlock()

	if thread != nil {
		thread.Close()
	}
}

func (c *console) currentThread() *chat.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.thread
}

func (c *console) followThread(thread *chat.Thread) {
	defer c.renderWG.Done()

	printed := make(map[string]bool)
	var lastDay string
	messagesC, typingC, presenceC := thread.Messages.C(), thread.TypingFromOther.C(), thread.Presence.C()

	for messagesC != nil || typingC != nil || presenceC != nil {
		select {
		case snapshot, ok := <-messagesC:
			if !ok {
				messagesC = nil
				continue
			}
			breaks := make(map[int]bool)
			for _, i := range messages.DayBreaks(snapshot, time.Local) {
				breaks[i] = true
			}
			for i, message := range snapshot {
				if message.Timestamp == nil || printed[message.ID] {
					continue
				}
				printed[message.ID] = true
				at := time.UnixMilli(*message.Timestamp)
				if day := at.Format(time.DateOnly); breaks[i] && day != lastDay {
					lastDay = day
					c.printf("--- %s ---\n", at.Format("Mon, Jan 2 2006"))
				}
				c.printf("[%s] %s: %s\n", at.Format("15:04"), message.Sender, message.Text)
			}
		case isTyping, ok := <-typingC:
			if !ok {
				typingC = nil
				continue
			}
			if isTyping {
				c.printf("(%s is typing...)\n", thread.Other)
			}
		case profile, ok := <-presenceC:
			if !ok {
				presenceC = nil
				continue
			}
			c.printf("(%s is %s)\n", profile.DisplayName, profile.Status)
		}
	}
}

func (c *console) followList(list *chat.ConversationList) {
	defer c.renderWG.Done()

	for entries := range list.Updates.C() {
		c.mu.Lock()
		c.latest = entries
		c.mu.Unlock()
	}
}

func (c *console) followBadge(badge *chat.UnreadCount) {
	defer c.renderWG.Done()

	for unread := range badge.Updates.C() {
		c.printf("(unread: %d)\n", unread)
	}
}

func (c *console) printList(query string) {
	c.mu.Lock()
	entries := conversations.Filter(c.latest, query)
	c.mu.Unlock()

	if len(entries) == 0 {
		c.printf("no conversations\n")
		return
	}

	now := time.Now()
	for _, entry := range entries {
		when := "sending"
		if entry.LastTimestamp != nil {
			when = conversations.FormatTimestamp(time.UnixMilli(*entry.LastTimestamp), now)
		}
		unread := ""
		if entry.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", entry.UnreadCount)
		}
		c.printf("%-24s %-9s %-10s %s%s\n", entry.DisplayName, entry.Status, when, entry.LastMessage.Text, unread)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.log.Debug().Err(err).Msg("console write failed")
	}
}

// close releases every view the console opened and waits for its renderers.
func (c *console) close() {
	c.mu.Lock()
	thread, list, badge := c.thread, c.list, c.badge
	c.thread, c.list, c.badge = nil, nil, nil
	c.mu.Unlock()

	if thread != nil {
		thread.Close()
	}
	if list != nil {
		list.Close()
	}
	if badge != nil {
		badge.Close()
	}
	c.renderWG.Wait()
}
