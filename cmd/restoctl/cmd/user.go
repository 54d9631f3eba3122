package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.pilab.hu/restodb/api"
	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/services"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Short:   "Register users and run the login flow",
	Aliases: []string{"users"},
}

// readPassword prompts on the terminal when the flag is empty.
func readPassword(flagValue, prompt string, confirm bool) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password is required via --password when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password confirmation: %w", err)
		}
		if string(again) != string(pw) {
			return "", errors.New("passwords do not match")
		}
	}
	return string(pw), nil
}

func loginView(res *services.LoginResult) api.AuthResponse {
	out := api.AuthResponse{State: res.State, Token: res.Token, User: api.NewUser(res.User)}
	if res.Token != "" {
		out.TokenType = "Bearer"
		if res.Session != nil && !res.Session.ExpiresAt.IsZero() {
			exp := res.Session.ExpiresAt
			out.ExpiresAt = &exp
		}
	}
	if c := res.Challenge; c != nil {
		out.Challenge = &api.Challenge{Email: c.Email, Purpose: c.Purpose, ExpiresAt: c.ExpiresAt}
	}
	return out
}

var userRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a user directly against the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		name, _ := cmd.Flags().GetString("name")
		restaurant, _ := cmd.Flags().GetString("restaurant")
		roles, _ := cmd.Flags().GetStringSlice("role")

		if email == "" {
			return errors.New("email is required via --email flag")
		}
		password, err := readPassword(password, "Enter password: ", true)
		if err != nil {
			return err
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()
		svc, closeAuth, err := newAuthService(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer closeAuth()

		res, err := svc.Register(cmd.Context(), services.RegisterInput{
			Email:        email,
			Password:     password,
			Name:         name,
			RestaurantID: restaurant,
			Roles:        roles,
		})
		if err != nil {
			return fmt.Errorf("user registration failed: %w", err)
		}

		out := api.AuthResponse{State: services.StateAuthenticated, User: api.NewUser(res.User)}
		if c := res.Challenge; c != nil {
			out.State = services.StatePendingChallenge
			out.Challenge = &api.Challenge{Email: c.Email, Purpose: c.Purpose, ExpiresAt: c.ExpiresAt}
		}
		return printResult(cmd.OutOrStdout(), out)
	},
}

var userLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print the session token or the pending challenge",
	Long: `Login checks the password. When login requires a one-time code the code is
sent through the notifier and the pending challenge is printed; finish with
"restoctl user verify-otp". With the memory session backend the session only
lives as long as this process, so use session.backend=redis to keep it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" {
			return errors.New("email is required via --email flag")
		}
		password, err := readPassword(password, "Enter password: ", false)
		if err != nil {
			return err
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()
		svc, closeAuth, err := newAuthService(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer closeAuth()

		res, err := svc.Login(cmd.Context(), email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		return printResult(cmd.OutOrStdout(), loginView(res))
	},
}

var userVerifyOTPCmd = &cobra.Command{
	Use:   "verify-otp",
	Short: "Complete a pending login or registration with the one-time code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		code, _ := cmd.Flags().GetString("code")
		purpose, _ := cmd.Flags().GetString("purpose")
		if email == "" || code == "" {
			return errors.New("--email and --code are required")
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()
		svc, closeAuth, err := newAuthService(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer closeAuth()

		res, err := svc.VerifyOTP(cmd.Context(), email, code, domain.OTPPurpose(strings.ToLower(purpose)))
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		return printResult(cmd.OutOrStdout(), loginView(res))
	},
}

var userResendOTPCmd = &cobra.Command{
	Use:   "resend-otp",
	Short: "Issue a fresh code for a pending challenge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		purpose, _ := cmd.Flags().GetString("purpose")
		if email == "" {
			return errors.New("email is required via --email flag")
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()
		svc, closeAuth, err := newAuthService(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer closeAuth()

		info, err := svc.ResendOTP(cmd.Context(), email, domain.OTPPurpose(strings.ToLower(purpose)))
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), api.Challenge{Email: info.Email, Purpose: info.Purpose, ExpiresAt: info.ExpiresAt})
	},
}

var userLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Destroy a session, or every session of a user with --all",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		token, _ := cmd.Flags().GetString("token")
		userID, _ := cmd.Flags().GetString("user-id")
		if (token == "") == (userID == "") {
			return errors.New("give exactly one of --token or --user-id")
		}

		db, closeDB, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()
		svc, closeAuth, err := newAuthService(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer closeAuth()

		if token != "" {
			if err := svc.Logout(cmd.Context(), token); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]int{"destroyed": 1})
		}
		n, err := svc.LogoutEverywhere(cmd.Context(), userID)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), map[string]int{"destroyed": n})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userRegisterCmd, userLoginCmd, userVerifyOTPCmd, userResendOTPCmd, userLogoutCmd)

	userRegisterCmd.Flags().String("email", "", "user email (required)")
	userRegisterCmd.Flags().String("password", "", "password (prompted when empty)")
	userRegisterCmd.Flags().String("name", "", "display name")
	userRegisterCmd.Flags().String("restaurant", "", "restaurant id the user belongs to")
	userRegisterCmd.Flags().StringSlice("role", nil, "roles to grant (staff, manager, owner, admin)")

	userLoginCmd.Flags().String("email", "", "user email (required)")
	userLoginCmd.Flags().String("password", "", "password (prompted when empty)")

	for _, c := range []*cobra.Command{userVerifyOTPCmd, userResendOTPCmd} {
		c.Flags().String("email", "", "user email (required)")
		c.Flags().String("purpose", string(domain.OTPPurposeLogin), "challenge purpose: login or register")
	}
	userVerifyOTPCmd.Flags().String("code", "", "one-time code (required)")

	userLogoutCmd.Flags().String("token", "", "session token to destroy")
	userLogoutCmd.Flags().String("user-id", "", "destroy every session of this user")
}
