package auth

// loginSuccessHTML is shown in the browser after the callback delivered a
// valid authorization code. The window can be closed; the CLI carries on.
const loginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign-in complete</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #f3f4f6;
        }
        .card {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.08);
            max-width: 420px;
        }
        .check { font-size: 3rem; color: #10b981; }
        h1 { font-size: 1.25rem; color: #111827; }
        p { color: #6b7280; }
    </style>
</head>
<body>
    <div class="card">
        <div class="check">&#10003;</div>
        <h1>Sign-in complete</h1>
        <p>You are signed in. You can close this window and return to the terminal.</p>
    </div>
    <script>setTimeout(function () { window.close(); }, 3000);</script>
</body>
</html>`

// loginErrorHTML is shown when the callback failed: state mismatch, consent
// denied, or a missing authorization code. {{REASON}} is replaced with a
// short non-sensitive description.
const loginErrorHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign-in failed</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: #f3f4f6;
        }
        .card {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.08);
            max-width: 420px;
        }
        .cross { font-size: 3rem; color: #ef4444; }
        h1 { font-size: 1.25rem; color: #111827; }
        p { color: #6b7280; }
    </style>
</head>
<body>
    <div class="card">
        <div class="cross">&#10007;</div>
        <h1>Sign-in failed</h1>
        <p>{{REASON}}</p>
        <p>Close this window and try again from the terminal.</p>
    </div>
</body>
</html>`
