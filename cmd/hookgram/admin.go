package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hookgram/internal/commands"
	"hookgram/internal/storage"
	"hookgram/internal/telegram"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, false)
			if err != nil {
				return fmt.Errorf("initialize storage: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("migrations applied")
			return nil
		},
	}
}

func registerBotCmd() *cobra.Command {
	var token, owner string
	cmd := &cobra.Command{
		Use:   "register-bot",
		Short: "Register a bot for an owner, make the owner an admin and set its webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, ok := telegram.ParseBotID(token); !ok {
				return errors.New("--token must look like <bot_id>:<secret>")
			}
			if _, err := strconv.ParseInt(owner, 10, 64); err != nil {
				return errors.New("--owner must be a numeric Telegram user id")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, reg, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := reg.EnsureAccount(ctx, owner, ""); err != nil {
				return err
			}
			account, err := reg.SetAdmin(ctx, owner, true)
			if err != nil {
				return err
			}
			bot, err := reg.ConnectBot(ctx, account.ID, token)
			if err != nil {
				return err
			}
			reg.Audit(ctx, account.ID, "register_bot", map[string]any{"bot_id": bot.BotID})

			client := telegram.NewClient(telegram.Config{
				APIURL:       cfg.Telegram.APIURL,
				Timeout:      cfg.Telegram.Timeout,
				ShortTimeout: cfg.Telegram.ShortTimeout,
			})
			hookURL := commands.BotWebhookURL(cfg.PublicBaseURL, bot)
			if err := client.SetWebhook(ctx, bot.Token, hookURL); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}
			log.Info().Str("bot_id", bot.BotID).Str("owner", owner).Msg("bot registered")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bot token from @BotFather")
	cmd.Flags().StringVar(&owner, "owner", "", "Telegram user id of the owner")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func webhookInfoCmd() *cobra.Command {
	var botID string
	cmd := &cobra.Command{
		Use:   "webhook-info",
		Short: "Print Telegram's webhook info for a stored bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, reg, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			bot, err := reg.BotByBotID(ctx, botID)
			if err != nil {
				return fmt.Errorf("bot %s: %w", botID, err)
			}
			client := telegram.NewClient(telegram.Config{
				APIURL:       cfg.Telegram.APIURL,
				Timeout:      cfg.Telegram.Timeout,
				ShortTimeout: cfg.Telegram.ShortTimeout,
			})
			info, err := client.GetWebhookInfo(ctx, bot.Token)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	cmd.Flags().StringVar(&botID, "bot-id", "", "Numeric bot id (the part of the token before the colon)")
	_ = cmd.MarkFlagRequired("bot-id")
	return cmd
}

func rekeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt stored bot tokens and secrets with the current master key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, reg, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := reg.Rekey(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("re-encrypted %d bot tokens and %d subscription secrets\n", res.Bots, res.Subscriptions)
			return nil
		},
	}
}
